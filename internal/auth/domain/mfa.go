package domain

// MFAEnrollResponse carries a freshly generated, not-yet-confirmed TOTP
// enrollment back to the user.
type MFAEnrollResponse struct {
	Secret          string `json:"secret"`           // base32 encoded TOTP secret
	ProvisioningURI string `json:"provisioning_uri"` // otpauth:// URL for QR code generation
	Issuer          string `json:"issuer"`
	Account         string `json:"account"`
}

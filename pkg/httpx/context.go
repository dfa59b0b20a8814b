package httpx

type ctxKey string

const (
	CtxKeyUserID   ctxKey = "user_id"
	CtxKeyUsername ctxKey = "username"
	CtxKeyClaims   ctxKey = "claims"
)

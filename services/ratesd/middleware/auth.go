package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"ratecontrol/crypto"
	"ratecontrol/native/ratecontrol"
	"ratecontrol/observability/logging"
)

// OriginClaim names the optional claim carrying the account a relayer acts
// for.
const OriginClaim = "origin"

type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
	// AllowAnonymous lets requests without a token through; handlers that
	// need a caller reject them.
	AllowAnonymous bool
}

type contextKey string

const contextKeyCaller contextKey = "ratesd.caller"

// CallerFrom returns the authenticated caller stored by the middleware.
func CallerFrom(ctx context.Context) (ratecontrol.Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(ratecontrol.Caller)
	return caller, ok
}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller ratecontrol.Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(secret)}, nil
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			if a.cfg.AllowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		caller, err := a.Authenticate(tokenString)
		if err != nil {
			a.logger.Warn("auth: token rejected",
				slog.Any("error", err),
				slog.String("authorization", logging.MaskBearer(r.Header.Get("Authorization"))))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// Authenticate verifies tokenString and resolves the caller from its claims.
func (a *Authenticator) Authenticate(tokenString string) (ratecontrol.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return ratecontrol.Caller{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ratecontrol.Caller{}, errors.New("token invalid")
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return ratecontrol.Caller{}, errors.New("subject missing")
	}
	address, err := crypto.ParseIdentity(subject)
	if err != nil {
		return ratecontrol.Caller{}, err
	}
	caller := ratecontrol.Direct(address)
	if raw, ok := claims[OriginClaim].(string); ok && strings.TrimSpace(raw) != "" {
		origin, err := crypto.ParseIdentity(raw)
		if err != nil {
			return ratecontrol.Caller{}, err
		}
		caller.Origin = origin
	}
	return caller, nil
}

// IssueToken signs an HS256 token for subject. A zero origin is omitted.
func IssueToken(secret string, subject, origin common.Address, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret not configured")
	}
	claims := jwt.MapClaims{
		"sub": strings.ToLower(subject.Hex()),
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if origin != (common.Address{}) {
		claims[OriginClaim] = strings.ToLower(origin.Hex())
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

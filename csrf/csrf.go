package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/patent-drafter/reqcore/types"
	"github.com/patent-drafter/reqcore/utils"
)

const (
	DefaultHeader = "x-csrf-token"
	DefaultTTL    = time.Hour
)

// TokenBody is the JSON body of the token endpoint.
type TokenBody struct {
	CSRFToken string    `json:"csrfToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints and verifies stateless tokens of the form
// <nonce>.<expires unix>.<mac>, the mac being keyed blake2b-256 over the
// first two parts. Any process sharing the secret can verify.
type Issuer struct {
	key    [32]byte
	header string
	ttl    time.Duration
	logger types.Logger
	now    func() time.Time
}

func NewIssuer(config *types.CSRFConfig, logger types.Logger) (*Issuer, error) {
	issuer := &Issuer{
		header: DefaultHeader,
		ttl:    DefaultTTL,
		logger: logger,
		now:    time.Now,
	}

	secret := ""
	if config != nil {
		secret = config.Secret
		if config.HeaderName != "" {
			issuer.header = strings.ToLower(config.HeaderName)
		}
		if config.TokenTTL > 0 {
			issuer.ttl = config.TokenTTL
		}
	}

	if secret == "" {
		random := make([]byte, 32)
		if _, err := rand.Read(random); err != nil {
			return nil, types.WrapError(err, "failed to generate csrf secret")
		}
		secret = string(random)
		logger.Warn("No CSRF secret configured, tokens will not survive a restart")
	}

	issuer.key = blake2b.Sum256([]byte(secret))
	return issuer, nil
}

func (i *Issuer) HeaderName() string {
	return i.header
}

func (i *Issuer) Issue() (string, time.Time) {
	expiresAt := i.now().Add(i.ttl).Truncate(time.Second)
	payload := uuid.NewString() + "." + strconv.FormatInt(expiresAt.Unix(), 10)
	return payload + "." + i.sign(payload), expiresAt
}

func (i *Issuer) Verify(token string) error {
	if token == "" {
		return types.Errorf(types.ErrCSRFTokenInvalid, "missing token")
	}

	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 {
		return types.Errorf(types.ErrCSRFTokenInvalid, "malformed token")
	}
	payload, mac := token[:idx], token[idx+1:]

	if subtle.ConstantTimeCompare([]byte(mac), []byte(i.sign(payload))) != 1 {
		return types.Errorf(types.ErrCSRFTokenInvalid, "signature mismatch")
	}

	expiresPart := payload[strings.LastIndexByte(payload, '.')+1:]
	expires, err := strconv.ParseInt(expiresPart, 10, 64)
	if err != nil {
		return types.Errorf(types.ErrCSRFTokenInvalid, "malformed expiry")
	}
	if i.now().Unix() >= expires {
		return types.Errorf(types.ErrCSRFTokenInvalid, "token expired")
	}

	return nil
}

// VerifyRequest checks the token carried in the request header.
func (i *Issuer) VerifyRequest(ctx *fasthttp.RequestCtx) error {
	return i.Verify(string(ctx.Request.Header.Peek(i.header)))
}

// ApplyToOutgoingRequest attaches token to a request made on behalf of a
// client.
func (i *Issuer) ApplyToOutgoingRequest(req *fasthttp.Request, token string) {
	req.Header.Set(i.header, token)
}

// HandleToken serves GET /api/csrf-token.
func (i *Issuer) HandleToken(ctx *fasthttp.RequestCtx) {
	token, expiresAt := i.Issue()

	ctx.Response.Header.Set(i.header, token)
	ctx.Response.Header.Set("Cache-Control", "no-store")
	utils.WriteJSON(ctx, fasthttp.StatusOK, TokenBody{CSRFToken: token, ExpiresAt: expiresAt.UTC()})

	i.logger.Debug("CSRF token issued", zap.Time("expires_at", expiresAt))
}

func (i *Issuer) sign(payload string) string {
	h, _ := blake2b.New256(i.key[:])
	_, _ = h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

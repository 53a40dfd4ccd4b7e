package node

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v4"
)

const jwtExpiryTimeout = 60 * time.Second

var errInvalidJWTSecret = errors.New("node: invalid JWT secret")

// NewJWTAuth creates an rpc client authentication provider that signs every
// request to the attestation ingress with the shared secret.
func NewJWTAuth(secret [32]byte) rpc.HTTPAuth {
	return func(h http.Header) error {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iat": &jwt.NumericDate{Time: time.Now()},
		})
		s, err := token.SignedString(secret[:])
		if err != nil {
			return fmt.Errorf("failed to create JWT token: %w", err)
		}
		h.Set("Authorization", "Bearer "+s)
		return nil
	}
}

type jwtHandler struct {
	keyFunc func(token *jwt.Token) (interface{}, error)
	next    http.Handler
}

// newJWTHandler wraps next so that only requests carrying a fresh HS256 token
// signed with secret reach it.
func newJWTHandler(secret []byte, next http.Handler) http.Handler {
	return &jwtHandler{
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			return secret, nil
		},
		next: next,
	}
}

func (handler *jwtHandler) ServeHTTP(out http.ResponseWriter, r *http.Request) {
	var (
		strToken string
		claims   jwt.RegisteredClaims
	)
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		strToken = strings.TrimPrefix(auth, "Bearer ")
	}
	if len(strToken) == 0 {
		http.Error(out, "missing token", http.StatusUnauthorized)
		return
	}
	// Only HS256 is allowed. Claims are checked below, allowing for clock drift
	// between the aggregator and its observers.
	token, err := jwt.ParseWithClaims(strToken, &claims, handler.keyFunc,
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation())

	switch {
	case err != nil:
		http.Error(out, err.Error(), http.StatusUnauthorized)
	case !token.Valid:
		http.Error(out, "invalid token", http.StatusUnauthorized)
	case !claims.VerifyExpiresAt(time.Now(), false):
		http.Error(out, "token is expired", http.StatusUnauthorized)
	case claims.IssuedAt == nil:
		http.Error(out, "missing issued-at", http.StatusUnauthorized)
	case time.Since(claims.IssuedAt.Time) > jwtExpiryTimeout:
		http.Error(out, "stale token", http.StatusUnauthorized)
	case time.Until(claims.IssuedAt.Time) > jwtExpiryTimeout:
		http.Error(out, "future token", http.StatusUnauthorized)
	default:
		handler.next.ServeHTTP(out, r)
	}
}

// obtainJWTSecret loads the hex encoded secret at path. If the file does not
// exist and create is set, a random secret is generated and written there.
func obtainJWTSecret(path string, create bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := common.FromHex(strings.TrimSpace(string(data)))
		if len(secret) == 32 {
			log.Info("Loaded JWT secret file", "path", path, "crc32", fmt.Sprintf("%#x", crc32.ChecksumIEEE(secret)))
			return secret, nil
		}
		log.Error("Invalid JWT secret", "path", path, "length", len(secret))
		return nil, errInvalidJWTSecret
	}
	if !errors.Is(err, os.ErrNotExist) || !create {
		return nil, fmt.Errorf("node: read JWT secret: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := crand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hexutil.Encode(secret)), 0600); err != nil {
		return nil, err
	}
	log.Info("Generated JWT secret", "path", path)
	return secret, nil
}

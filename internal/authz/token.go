package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TokenClaims is the payload of an issued access token.
type TokenClaims struct {
	ConsumerName      string `json:"cid"`
	ProviderName      string `json:"pid"`
	ServiceDefinition string `json:"sid"`
	InterfaceName     string `json:"iid"`
	jwt.RegisteredClaims
}

// TokenService signs access tokens with RS256 when a private key is
// configured, falling back to an HS256 shared secret.
type TokenService struct {
	issuer     string
	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	// ttl of zero means tokens never expire.
	ttl    time.Duration
	logger *logrus.Logger
}

func NewTokenService(issuer string, secret []byte, ttl time.Duration, logger *logrus.Logger) *TokenService {
	return &TokenService{
		issuer: issuer,
		secret: secret,
		ttl:    ttl,
		logger: logger,
	}
}

// SetKeys installs the RS256 key pair from PEM material. Either argument
// may be nil to leave that side unchanged.
func (t *TokenService) SetKeys(privateKeyPEM, publicKeyPEM []byte) error {
	if privateKeyPEM != nil {
		block, _ := pem.Decode(privateKeyPEM)
		if block == nil {
			return fmt.Errorf("failed to decode private key PEM")
		}

		privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err2 != nil {
				return fmt.Errorf("failed to parse private key: %w", err)
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return fmt.Errorf("private key is not RSA")
			}
			privateKey = rsaKey
		}
		t.privateKey = privateKey
		t.publicKey = &privateKey.PublicKey
	}

	if publicKeyPEM != nil {
		block, _ := pem.Decode(publicKeyPEM)
		if block == nil {
			return fmt.Errorf("failed to decode public key PEM")
		}

		publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaKey, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("public key is not RSA")
		}
		t.publicKey = rsaKey
	}

	return nil
}

// IssueToken mints one access token binding (consumer, provider, service,
// interface). A zero TTL omits the expiry claim.
func (t *TokenService) IssueToken(consumer pkg.System, provider pkg.System, serviceDefinition, interfaceName string) (string, error) {
	now := time.Now()
	claims := &TokenClaims{
		ConsumerName:      consumer.SystemName,
		ProviderName:      provider.SystemName,
		ServiceDefinition: serviceDefinition,
		InterfaceName:     interfaceName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
			Subject:   consumer.SystemName,
			ID:        uuid.New().String(),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}

	var token *jwt.Token
	var signed string
	var err error

	if t.privateKey != nil {
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		signed, err = token.SignedString(t.privateKey)
	} else {
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err = token.SignedString(t.secret)
	}

	if err != nil {
		t.logger.WithError(err).Error("Failed to sign access token")
		return "", pkg.InternalServerError("Failed to generate access token")
	}

	return signed, nil
}

// ValidateToken parses and verifies a token issued by this service.
func (t *TokenService) ValidateToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method {
		case jwt.SigningMethodRS256:
			if t.publicKey == nil {
				return nil, fmt.Errorf("no public key configured for RS256")
			}
			return t.publicKey, nil
		case jwt.SigningMethodHS256:
			return t.secret, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	})

	if err != nil {
		return nil, pkg.UnauthorizedError("Invalid token")
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, pkg.UnauthorizedError("Invalid token claims")
	}

	return claims, nil
}

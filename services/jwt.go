package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/shared"
)

// JWTService authenticates the platform services calling the check API.
// Tokens carry the calling service's identity; end users never talk to this
// API directly.
type JWTService struct {
	context.DefaultService

	AccessTokenDuration time.Duration
	jwtSecretKey        string
	adminKeyHash        string
}

type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

const JWT_SVC = "jwt_svc"

func (svc JWTService) Id() string {
	return JWT_SVC
}

func (svc *JWTService) Configure(ctx *context.Context) error {
	svc.AccessTokenDuration = 24 * time.Hour
	svc.jwtSecretKey = os.Getenv("JWT_SECRET")
	svc.adminKeyHash = os.Getenv("ADMIN_KEY_HASH")
	return svc.DefaultService.Configure(ctx)
}

func (svc *JWTService) Start() error {
	return nil
}

func (svc *JWTService) VerifyServiceToken(jwtToken string) (string, error) {
	token, err := jwt.ParseWithClaims(jwtToken, &ServiceClaims{}, svc.getJWTKey)
	if err == nil && token.Valid {
		claims, ok := token.Claims.(*ServiceClaims)
		if ok && claims != nil {
			expTime, err := claims.GetExpirationTime()
			if err != nil {
				return "", fmt.Errorf("failed to get expiration time: %v", err)
			}
			if expTime.Unix() < time.Now().Unix() {
				return "", errors.New("token has expired")
			}

			return claims.ServiceID, nil
		}
	}

	return "", errors.New("unsupported JWT format")
}

func (svc *JWTService) getJWTKey(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	return []byte(svc.jwtSecretKey), nil
}

func (svc *JWTService) GenerateServiceToken(serviceID string) (*dto.TokenPair, error) {
	expTime := time.Now().Add(svc.AccessTokenDuration)

	claims := &ServiceClaims{
		ServiceID: serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expTime),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "guard_api",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(svc.jwtSecretKey))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %v", err)
	}

	return &dto.TokenPair{
		AccessToken: tokenString,
		ExpiresIn:   int64(svc.AccessTokenDuration.Seconds()),
	}, nil
}

func (svc *JWTService) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is missing")
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", errors.New("invalid authorization header format")
	}

	return authHeader[7:], nil
}

// RequiredAuth verifies the caller's service token and stores its identity
// on the request for identifier derivation.
func (svc *JWTService) RequiredAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := svc.ExtractTokenFromHeader(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", err.Error())
		}

		serviceID, err := svc.VerifyServiceToken(token)
		if err != nil || serviceID == "" {
			return shared.ResponseJSON(c, http.StatusUnauthorized, "Unauthorized", "Invalid service token")
		}

		c.Locals(shared.ServiceID, serviceID)
		return c.Next()
	}
}

// RequireAdmin gates the admin surface behind the operator key. The key is
// never stored in clear; only its bcrypt hash lives in the environment.
func (svc *JWTService) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if svc.adminKeyHash == "" {
			return shared.ResponseJSON(c, http.StatusForbidden, "Admin surface disabled", nil)
		}

		key := c.Get(shared.HeaderAdminKey)
		if key == "" {
			return shared.ResponseUnauthorized(c)
		}

		if err := bcrypt.CompareHashAndPassword([]byte(svc.adminKeyHash), []byte(key)); err != nil {
			return shared.ResponseUnauthorized(c)
		}

		return c.Next()
	}
}

// Package allocator issues instance identifiers, host ports, and credential
// material for the orchestrator. It holds no durable state of its own; the
// Registry is consulted for collision checks on every call.
package allocator

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/hex"
	"github.com/supaorch/orchestrator/internal/model"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// PortRange is a closed interval of host ports for one logical role.
type PortRange struct {
	Role  string
	Start int
	End   int
}

// Default port ranges per §6.1.
var (
	RangeGatewayHTTP      = PortRange{Role: "gateway_http", Start: 8100, End: 8199}
	RangeGatewayHTTPS     = PortRange{Role: "gateway_https", Start: 8400, End: 8499}
	RangeDatabaseExternal = PortRange{Role: "database_external", Start: 5500, End: 5599}
	RangeAnalytics        = PortRange{Role: "analytics", Start: 4100, End: 4199}
)

const maxPortAttempts = 100

// UsedPortsFunc reports the full set of ports currently occupied by live
// instances, refreshed by the caller from the Registry before each call.
type UsedPortsFunc func() map[int]bool

// IDExistsFunc reports whether an instance id is already present in the
// Registry.
type IDExistsFunc func(id string) bool

// Allocator issues identifiers, ports, and credentials.
type Allocator struct{}

// New creates an Allocator. It is stateless; callers may share one instance.
func New() *Allocator {
	return &Allocator{}
}

// AllocateID generates a short, URL-safe, collision-checked instance id.
func (a *Allocator) AllocateID(exists IDExistsFunc) (string, error) {
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		id, err := randomToken(10)
		if err != nil {
			return "", errors.Internal("failed to generate instance id", err)
		}
		if exists == nil || !exists(id) {
			return id, nil
		}
	}
	return "", errors.Internal("failed to generate a unique instance id after repeated collisions", nil)
}

func randomToken(n int) (string, error) {
	var sb strings.Builder
	maxIdx := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			return "", err
		}
		sb.WriteByte(idAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// AllocatePort finds a free, bindable port within rng, excluding any port
// reported in use by a live instance.
func (a *Allocator) AllocatePort(rng PortRange, used UsedPortsFunc) (int, error) {
	inUse := map[int]bool{}
	if used != nil {
		inUse = used()
	}
	span := rng.End - rng.Start + 1
	if span <= 0 {
		return 0, errors.PortRangeExhausted(rng.Start, rng.End)
	}

	attempts := maxPortAttempts
	if span < attempts {
		attempts = span
	}

	start, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0, errors.Internal("failed to select a random port offset", err)
	}
	offset := int(start.Int64())

	for i := 0; i < attempts; i++ {
		candidate := rng.Start + (offset+i)%span
		if inUse[candidate] {
			continue
		}
		if isBindable(candidate) {
			return candidate, nil
		}
	}
	return 0, errors.PortRangeExhausted(rng.Start, rng.End)
}

func isBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// AllocatePortSet allocates one port per role for a new instance.
func (a *Allocator) AllocatePortSet(used UsedPortsFunc) (model.PortSet, error) {
	var ps model.PortSet
	var err error

	if ps.GatewayHTTP, err = a.AllocatePort(RangeGatewayHTTP, used); err != nil {
		return model.PortSet{}, err
	}
	if ps.GatewayHTTPS, err = a.AllocatePort(RangeGatewayHTTPS, used); err != nil {
		return model.PortSet{}, err
	}
	if ps.DatabaseExternal, err = a.AllocatePort(RangeDatabaseExternal, used); err != nil {
		return model.PortSet{}, err
	}
	if ps.Analytics, err = a.AllocatePort(RangeAnalytics, used); err != nil {
		return model.PortSet{}, err
	}
	return ps, nil
}

const (
	passwordLength = 32
	passwordUpper  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	passwordLower  = "abcdefghijklmnopqrstuvwxyz"
	passwordDigit  = "0123456789"
	passwordSymbol = "!@#$%^&*-_=+"
)

var passwordCharset = passwordUpper + passwordLower + passwordDigit + passwordSymbol

// GenerateDatabasePassword produces a 32-character printable password
// guaranteed to contain at least one upper, lower, digit, and symbol char.
func GenerateDatabasePassword() (string, error) {
	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		pw, err := randomFromCharset(passwordCharset, passwordLength)
		if err != nil {
			return "", err
		}
		if containsAny(pw, passwordUpper) && containsAny(pw, passwordLower) &&
			containsAny(pw, passwordDigit) && containsAny(pw, passwordSymbol) {
			return pw, nil
		}
	}
	return "", errors.Internal("failed to generate a password satisfying complexity rules", nil)
}

func randomFromCharset(charset string, n int) (string, error) {
	var sb strings.Builder
	maxIdx := big.NewInt(int64(len(charset)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			return "", err
		}
		sb.WriteByte(charset[idx.Int64()])
	}
	return sb.String(), nil
}

func containsAny(s, set string) bool {
	return strings.ContainsAny(s, set)
}

// GenerateSigningSecret produces a 64 hex character random signing secret.
func GenerateSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Role is the JWT role claim minted into an API token.
type Role string

const (
	RoleAnon         Role = "anon"
	RoleServiceRole  Role = "service_role"
)

// MintAPIToken signs a minimal Supabase-shaped JWT claim set with signingSecret.
func MintAPIToken(signingSecret string, role Role, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":  "supabase",
		"iat":  now.Unix(),
		"exp":  now.Add(365 * 24 * time.Hour).Unix(),
		"role": string(role),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		return "", errors.SigningFailed(err)
	}
	return signed, nil
}

// VerifyAPIToken parses and validates a token minted by MintAPIToken,
// returning the claimed role. Used by the auth deep-probe's JWT round-trip.
func VerifyAPIToken(tokenString, signingSecret string) (Role, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(signingSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errors.VerificationFailed(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.VerificationFailed(nil)
	}
	role, _ := claims["role"].(string)
	return Role(role), nil
}

// GenerateCredentials produces a full fresh credential set for a new instance.
func GenerateCredentials(dashboardUsername string) (model.Credentials, error) {
	dbPassword, err := GenerateDatabasePassword()
	if err != nil {
		return model.Credentials{}, err
	}
	signingSecret, err := GenerateSigningSecret()
	if err != nil {
		return model.Credentials{}, err
	}
	dashboardPassword, err := GenerateDatabasePassword()
	if err != nil {
		return model.Credentials{}, err
	}

	now := time.Now()
	anon, err := MintAPIToken(signingSecret, RoleAnon, now)
	if err != nil {
		return model.Credentials{}, err
	}
	serviceRole, err := MintAPIToken(signingSecret, RoleServiceRole, now)
	if err != nil {
		return model.Credentials{}, err
	}

	if dashboardUsername == "" {
		dashboardUsername = "supabase"
	}

	return model.Credentials{
		DatabasePassword:  dbPassword,
		JWTSecret:         signingSecret,
		AnonKey:           anon,
		ServiceRoleKey:    serviceRole,
		DashboardUsername: dashboardUsername,
		DashboardPassword: dashboardPassword,
	}, nil
}

package capability

import (
	"crypto/hmac"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role names an administrative surface.
type Role string

const (
	// RoleMarketAdmin may change marketplace fee configuration.
	RoleMarketAdmin Role = "market_admin"
	// RoleTreasury may withdraw accumulated marketplace fees.
	RoleTreasury Role = "treasury"
)

// RoleCap is an unforgeable role capability. As with OfferCap, only the
// issuing ledger can mint one.
type RoleCap struct {
	id     string
	role   Role
	holder string
	secret []byte
}

// ID returns the capability id.
func (c *RoleCap) ID() string { return c.id }

// Role returns the role this capability grants.
func (c *RoleCap) Role() Role { return c.role }

// Holder returns the address the capability was issued to.
func (c *RoleCap) Holder() string { return c.holder }

// IssueRoleCap mints a role capability for holder.
func (l *Ledger) IssueRoleCap(role Role, holder string) (*RoleCap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.New().String()
	secret, err := l.derive("role:" + id)
	if err != nil {
		return nil, err
	}
	return &RoleCap{id: id, role: role, holder: holder, secret: secret}, nil
}

// HasAccess reports whether cap is a genuine capability for role. This is the
// only role gate the marketplace core consults.
func (l *Ledger) HasAccess(cap *RoleCap, role Role) bool {
	if cap == nil || cap.secret == nil || cap.role != role {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	want, err := l.derive("role:" + cap.id)
	if err != nil {
		return false
	}
	return hmac.Equal(cap.secret, want)
}

// roleClaims is the JWT claim set used for role token transport.
type roleClaims struct {
	Role   string `json:"role"`
	Holder string `json:"holder"`
	jwt.RegisteredClaims
}

// ExportRoleToken serializes a role capability as a signed JWT so it can
// cross a process boundary. The token is only redeemable against the ledger
// that exported it.
func (l *Ledger) ExportRoleToken(cap *RoleCap, ttl time.Duration) (string, error) {
	if !l.HasAccess(cap, cap.Role()) {
		return "", ErrForged
	}
	now := time.Now()
	claims := roleClaims{
		Role:   string(cap.role),
		Holder: cap.holder,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cap.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(l.master)
	if err != nil {
		return "", fmt.Errorf("capability: sign role token: %w", err)
	}
	return signed, nil
}

// ImportRoleToken verifies a role token and reconstructs the capability.
func (l *Ledger) ImportRoleToken(token string) (*RoleCap, error) {
	var claims roleClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return l.master, nil
	})
	if err != nil {
		return nil, fmt.Errorf("capability: parse role token: %w", err)
	}
	if !parsed.Valid {
		return nil, ErrForged
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	secret, err := l.derive("role:" + claims.ID)
	if err != nil {
		return nil, err
	}
	return &RoleCap{
		id:     claims.ID,
		role:   Role(claims.Role),
		holder: claims.Holder,
		secret: secret,
	}, nil
}

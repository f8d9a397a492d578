package pass

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skip2/go-qrcode"

	"ms-reservation/internal/domain"
	"ms-reservation/internal/models"
)

var ErrInvalidPass = errors.New("invalid check-in pass")

// Payload is what a check-in pass encodes.
type Payload struct {
	HoldID    string    `json:"hold_id"`
	SessionID string    `json:"session_id"`
	PlayerID  string    `json:"player_id"`
	TenantID  string    `json:"tenant_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Generator produces encrypted QR check-in passes for confirmed reservations.
type Generator struct {
	secret []byte
}

func NewGenerator(secret string) *Generator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Generator{secret: hashed[:]}
}

// PNG renders the pass for a confirmed hold.
func (g *Generator) PNG(hold *models.Hold, now time.Time) ([]byte, error) {
	token, err := g.Token(hold, now)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, 256)
}

// Token returns the encrypted pass content.
func (g *Generator) Token(hold *models.Hold, now time.Time) (string, error) {
	if hold.State != models.HoldConfirmed {
		return "", fmt.Errorf("%w: only confirmed reservations have a pass (hold is %s)", domain.ErrInvalidRequest, hold.State)
	}
	data, err := json.Marshal(Payload{
		HoldID:    hold.ID,
		SessionID: hold.SessionID,
		PlayerID:  hold.PlayerID,
		TenantID:  hold.TenantID,
		IssuedAt:  now.UTC(),
	})
	if err != nil {
		return "", err
	}
	return g.seal(data)
}

// Decode verifies a scanned pass.
func (g *Generator) Decode(token string) (*Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	gcm, err := g.aead()
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, ErrInvalidPass
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	data, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	return &p, nil
}

func (g *Generator) seal(data []byte) (string, error) {
	gcm, err := g.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(gcm.Seal(nonce, nonce, data, nil)), nil
}

func (g *Generator) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(g.secret)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

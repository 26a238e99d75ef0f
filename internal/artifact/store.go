// Package artifact persists the per-account authentication artifact that
// lets a logon skip interactive authentication.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrNotFound means the account has no stored artifact and the next
// logon must authenticate fully.
var ErrNotFound = errors.New("artifact: not found")

type Store interface {
	Load(ctx context.Context, account string) ([]byte, error)
	Save(ctx context.Context, account string, blob []byte) error
	Delete(ctx context.Context, account string) error
}

// Key is the storage name for account. Account names are case-folded.
func Key(account string) string {
	sum := blake3.Sum256([]byte(strings.ToLower(account)))
	return hex.EncodeToString(sum[:])
}

var machineDomain = []byte("edgelink.machine.v1")

// MachineID is a stable per-account machine tag sent at logon.
func MachineID(account string) []byte {
	h := blake3.New()
	_, _ = h.Write(machineDomain)
	_, _ = h.Write([]byte(strings.ToLower(account)))
	return h.Sum(nil)[:20]
}

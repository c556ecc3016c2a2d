package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/a-essam23/roomgate/pkg/errs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StateParam is the query parameter carrying the correlation token across
// an external redirect.
const StateParam = "state"

type correlationClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// PendingCorrelation is an issued token that no callback has used yet.
type PendingCorrelation struct {
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LandedCorrelation is the first result of a landing callback, kept for
// replays until the token expires.
type LandedCorrelation struct {
	Route     string     `json:"route"`
	Values    url.Values `json:"values"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// CorrelationRecord is everything a Correlator remembers, keyed by the
// token's jti.
type CorrelationRecord struct {
	Pending map[string]PendingCorrelation `json:"pending,omitempty"`
	Landed  map[string]LandedCorrelation  `json:"landed,omitempty"`
}

func (r CorrelationRecord) empty() bool {
	return len(r.Pending) == 0 && len(r.Landed) == 0
}

// CorrelationStore keeps the record between processes, so a callback can
// be accepted by a later run than the one that issued its token.
type CorrelationStore interface {
	Load() (CorrelationRecord, error)
	Save(CorrelationRecord) error
}

// Correlator issues and validates the tokens that tie a redirect-out to
// the callback that re-enters the application. Each token is accepted once.
// Landing callbacks keep their result until the token expires so a page
// refresh can be answered without a second side effect.
// It is safe for concurrent use by multiple goroutines.
type Correlator struct {
	secret []byte
	ttl    time.Duration

	mu     sync.Mutex
	record CorrelationRecord
	store  CorrelationStore

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewCorrelator builds a correlator. With a nil store the record lives only
// as long as the process; otherwise it is reloaded before and saved after
// every change.
func NewCorrelator(secret string, ttl time.Duration, store CorrelationStore) *Correlator {
	return &Correlator{
		secret: []byte(secret),
		ttl:    ttl,
		record: CorrelationRecord{
			Pending: make(map[string]PendingCorrelation),
			Landed:  make(map[string]LandedCorrelation),
		},
		store: store,
		Now:   time.Now,
	}
}

// Issue returns a signed token for purpose and remembers its nonce.
func (c *Correlator) Issue(purpose string) (string, error) {
	now := c.Now()
	nonce := uuid.NewString()
	claims := correlationClaims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign correlation token: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return "", err
	}
	c.prune(now)
	c.record.Pending[nonce] = PendingCorrelation{Purpose: purpose, ExpiresAt: now.Add(c.ttl)}
	if err := c.saveLocked(); err != nil {
		delete(c.record.Pending, nonce)
		return "", err
	}
	return token, nil
}

// Consume validates the token carried by a callback to routeName. Unknown,
// forged, expired, wrong-purpose and replayed tokens are rejected with a
// fatal ErrRejected. A landing callback revisited with its own token gets
// the first visit's result back marked Replayed.
func (c *Correlator) Consume(token, purpose, routeName string, landing bool, values url.Values) (*Callback, error) {
	reject := func(reason error) (*Callback, error) {
		return nil, errs.New("broker", "Consume", errs.ErrRejected, reason).
			WithContext("route", routeName).
			AsFatal()
	}
	if token == "" {
		return reject(errors.New("callback carries no correlation token"))
	}

	claims := &correlationClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.Now),
	)
	if err != nil {
		return reject(fmt.Errorf("invalid correlation token: %w", err))
	}
	if claims.Purpose != purpose {
		return reject(fmt.Errorf("correlation token issued for %q, not %q", claims.Purpose, purpose))
	}

	now := c.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return reject(err)
	}
	c.prune(now)

	nonce := claims.ID
	if _, ok := c.record.Pending[nonce]; ok {
		delete(c.record.Pending, nonce)
		if landing {
			c.record.Landed[nonce] = LandedCorrelation{Route: routeName, Values: cloneValues(values), ExpiresAt: claims.ExpiresAt.Time}
		}
		// the token is spent only once that is durable
		if err := c.saveLocked(); err != nil {
			return reject(err)
		}
		return &Callback{Route: routeName, Purpose: purpose, Values: cloneValues(values)}, nil
	}
	if entry, ok := c.record.Landed[nonce]; ok && landing && entry.Route == routeName {
		return &Callback{Route: routeName, Purpose: purpose, Values: cloneValues(entry.Values), Replayed: true}, nil
	}
	return reject(errors.New("correlation token is unknown or already used"))
}

// Pending returns the number of issued tokens not yet consumed.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.loadLocked(); err != nil {
		return 0
	}
	c.prune(c.Now())
	return len(c.record.Pending)
}

func (c *Correlator) loadLocked() error {
	if c.store == nil {
		return nil
	}
	rec, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load correlation record: %w", err)
	}
	if rec.Pending == nil {
		rec.Pending = make(map[string]PendingCorrelation)
	}
	if rec.Landed == nil {
		rec.Landed = make(map[string]LandedCorrelation)
	}
	c.record = rec
	return nil
}

func (c *Correlator) saveLocked() error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(c.record); err != nil {
		return fmt.Errorf("save correlation record: %w", err)
	}
	return nil
}

func (c *Correlator) prune(now time.Time) {
	for nonce, e := range c.record.Pending {
		if now.After(e.ExpiresAt) {
			delete(c.record.Pending, nonce)
		}
	}
	for nonce, e := range c.record.Landed {
		if now.After(e.ExpiresAt) {
			delete(c.record.Landed, nonce)
		}
	}
}

// FileCorrelationStore keeps the record as a JSON file readable only by
// the owner. The file is removed once nothing is left in it.
type FileCorrelationStore struct {
	Path string
}

func (f *FileCorrelationStore) Load() (CorrelationRecord, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return CorrelationRecord{}, nil
	}
	if err != nil {
		return CorrelationRecord{}, err
	}
	var rec CorrelationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return CorrelationRecord{}, fmt.Errorf("corrupt correlation file %s: %w", f.Path, err)
	}
	return rec, nil
}

func (f *FileCorrelationStore) Save(rec CorrelationRecord) error {
	if rec.empty() {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

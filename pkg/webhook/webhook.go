// Package webhook turns asynchronous provider push notifications into the
// same normalized-callback contract as polling. It decodes each provider's
// envelope, verifies authenticity, deduplicates redeliveries and invokes the
// callbacks registered for the affected account.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unimail/unimail/pkg/codec"
)

// Notification is the normalized change signal delivered to callbacks. The
// provider only says "something changed"; Message is populated when a
// resolver is configured, nil otherwise.
type Notification struct {
	Provider  string
	AccountID string
	ChangeID  string
	Resource  string
	Message   *codec.Message
}

// Callback receives one normalized notification. Callbacks run synchronously
// in the request handler; a panic is recovered into a 500.
type Callback func(ctx context.Context, n *Notification)

// Resolver fetches the changed message so callbacks receive content, not
// just a change id. Optional; typically backed by the account's provider.
type Resolver func(ctx context.Context, accountID, changeID string) (*codec.Message, error)

// Options configures the ingestion server.
type Options struct {
	// Secret is the shared HMAC key for push envelopes signed by our own
	// relay (Gmail Pub/Sub path).
	Secret []byte
	// ClientStates maps Graph subscription id to the clientState secret
	// issued when the subscription was created.
	ClientStates map[string]string
	// DedupSize bounds the idempotency window. Defaults to 1024 keys.
	DedupSize int
	Resolver  Resolver
	Logger    zerolog.Logger
}

// Server is the webhook ingestion HTTP surface.
type Server struct {
	secret    []byte
	resolver  Resolver
	dedup     *dedupSet
	log       zerolog.Logger
	router    chi.Router

	mu           sync.RWMutex
	callbacks    map[string][]Callback
	clientStates map[string]string
}

// NewServer builds the ingestion server and its routes.
func NewServer(opts Options) *Server {
	dedupSize := opts.DedupSize
	if dedupSize <= 0 {
		dedupSize = 1024
	}
	s := &Server{
		secret:       opts.Secret,
		resolver:     opts.Resolver,
		dedup:        newDedupSet(dedupSize),
		log:          opts.Logger,
		callbacks:    make(map[string][]Callback),
		clientStates: make(map[string]string),
	}
	for id, state := range opts.ClientStates {
		s.clientStates[id] = state
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhooks/{provider}", s.handleNotification)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterCallback adds a callback for an account. Multiple callbacks per
// account all fire on every accepted notification.
func (s *Server) RegisterCallback(accountID string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[accountID] = append(s.callbacks[accountID], cb)
}

// RegisterClientState records the clientState secret for a Graph
// subscription so its notifications can be verified.
func (s *Server) RegisterClientState(subscriptionID, clientState string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientStates[subscriptionID] = clientState
}

// Sign computes the signature a trusted relay attaches to a Gmail push
// envelope. Exposed for the relay and for tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	// Validation handshakes are answered before any authenticity check:
	// the provider sends them while the subscription has no secret yet.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	switch provider {
	case "gmail":
		s.handleGmail(w, r, body)
	case "outlook":
		s.handleOutlook(w, r, body)
	default:
		http.NotFound(w, r)
	}
}

// gmailEnvelope is the Pub/Sub push shape: payload base64-encoded inside
// message.data.
type gmailEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailChange struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (s *Server) handleGmail(w http.ResponseWriter, r *http.Request, body []byte) {
	signature := r.Header.Get("X-Signature")
	expected := Sign(s.secret, body)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		s.log.Warn().Str("provider", "gmail").Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope gmailEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	var change gmailChange
	if err := json.Unmarshal(payload, &change); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	n := &Notification{
		Provider:  "gmail",
		AccountID: change.EmailAddress,
		ChangeID:  fmt.Sprintf("%d", change.HistoryID),
		Resource:  envelope.Subscription,
	}
	if err := s.dispatch(r.Context(), n); err != nil {
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// graphEnvelope is the Microsoft Graph change-notification shape.
type graphEnvelope struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
		ClientState    string `json:"clientState"`
		TenantID       string `json:"tenantId"`
		ResourceData   struct {
			ID string `json:"id"`
		} `json:"resourceData"`
	} `json:"value"`
}

func (s *Server) handleOutlook(w http.ResponseWriter, r *http.Request, body []byte) {
	var envelope graphEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	// Verify every entry before dispatching any: a batch with one forged
	// entry is rejected whole.
	for _, entry := range envelope.Value {
		s.mu.RLock()
		expected, ok := s.clientStates[entry.SubscriptionID]
		s.mu.RUnlock()
		if !ok || subtle.ConstantTimeCompare([]byte(entry.ClientState), []byte(expected)) != 1 {
			s.log.Warn().Str("provider", "outlook").
				Str("subscription", entry.SubscriptionID).
				Msg("webhook clientState mismatch")
			http.Error(w, "invalid clientState", http.StatusUnauthorized)
			return
		}
	}

	for _, entry := range envelope.Value {
		n := &Notification{
			Provider:  "outlook",
			AccountID: entry.SubscriptionID,
			ChangeID:  entry.ResourceData.ID,
			Resource:  entry.Resource,
		}
		if err := s.dispatch(r.Context(), n); err != nil {
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// dispatch dedups the change, resolves the message when possible and fans
// out to the account's callbacks.
func (s *Server) dispatch(ctx context.Context, n *Notification) error {
	key := n.Provider + "/" + n.AccountID + "/" + n.ChangeID
	if !s.dedup.add(key) {
		s.log.Debug().Str("key", key).Msg("duplicate notification dropped")
		return nil
	}

	if s.resolver != nil {
		msg, err := s.resolver(ctx, n.AccountID, n.ChangeID)
		if err != nil {
			// The change is real even if resolution failed; un-see the key
			// so a redelivery can retry.
			s.dedup.remove(key)
			return fmt.Errorf("failed to resolve change %s: %w", key, err)
		}
		n.Message = msg
	}

	s.mu.RLock()
	callbacks := append([]Callback(nil), s.callbacks[n.AccountID]...)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ctx, n)
	}
	s.log.Debug().Str("provider", n.Provider).Str("account", n.AccountID).
		Int("callbacks", len(callbacks)).Msg("notification dispatched")
	return nil
}

// dedupSet is a bounded set of recently seen idempotency keys with FIFO
// eviction.
type dedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	max   int
}

func newDedupSet(max int) *dedupSet {
	return &dedupSet{seen: make(map[string]struct{}), max: max}
}

// add records the key and reports whether it was new.
func (d *dedupSet) add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.max {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}

func (d *dedupSet) remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

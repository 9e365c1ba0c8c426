package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/auth"
	"github.com/becknlabs/beckn-engine/internal/crypto"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/registry"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

type fixture struct {
	gw       *Gateway
	router   *gin.Engine
	bapKeys  *crypto.SigningKeyPair
	delivery *atomic.Int64
	bppSrv   *httptest.Server
}

// newFixture wires a gateway against a stub registry that returns one BPP
// and resolves every signing key to the BAP's test key.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bapKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	gwKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	gwPriv, err := crypto.DecodeSigningPrivateKey(gwKeys.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}

	var delivered atomic.Int64
	bppSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		json.NewEncoder(w).Encode(protocol.Ack()) //nolint:errcheck
	}))
	t.Cleanup(bppSrv.Close)

	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subs := []store.Subscriber{{
			SubscriberID:     "bpp1.example.com",
			SubscriberURL:    bppSrv.URL,
			Type:             store.TypeBPP,
			SigningPublicKey: bapKeys.PublicKey,
			UniqueKeyID:      "k1",
			Domain:           "ONDC:RET10",
			City:             "std:011",
			Status:           store.StatusSubscribed,
		}}
		json.NewEncoder(w).Encode(subs) //nolint:errcheck
	}))
	t.Cleanup(regSrv.Close)

	log := zap.NewNop()
	reg := registry.NewClient(regSrv.URL, rdb, 5*time.Second, log)
	client := transport.NewClient(transport.Identity{
		SubscriberID: "gateway.example.com",
		UniqueKeyID:  "gk1",
		PrivateKey:   gwPriv,
	}, 5*time.Minute, 5*time.Second, log)

	gw := New(reg, client, protocol.NewDeduper(rdb, 5*time.Minute), 30*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)

	router := gin.New()
	gw.Register(router, reg)

	return &fixture{gw: gw, router: router, bapKeys: bapKeys, delivery: &delivered, bppSrv: bppSrv}
}

func (f *fixture) signedSearch(t *testing.T, env *protocol.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := crypto.DecodeSigningPrivateKey(f.bapKeys.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	header, err := auth.BuildAuthHeader("bpp1.example.com", "k1", priv, body, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	req.Header.Set(auth.HeaderAuthorization, header)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func searchEnvelope() *protocol.Envelope {
	ctx := protocol.NewContext(protocol.ContextParams{
		Domain:      "ONDC:RET10",
		Country:     "IND",
		City:        "std:011",
		Action:      protocol.ActionSearch,
		CoreVersion: "1.2.0",
		BapID:       "bap1.example.com",
		BapURI:      "https://bap1.example.com/beckn",
		TTL:         30 * time.Second,
	})
	return &protocol.Envelope{Context: ctx, Message: json.RawMessage(`{"intent":{}}`)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSearch_AcksAndBroadcasts(t *testing.T) {
	f := newFixture(t)

	w := f.signedSearch(t, searchEnvelope())
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var ack protocol.AckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Message.Ack.Status != "ACK" {
		t.Fatalf("got %q", ack.Message.Ack.Status)
	}

	waitFor(t, func() bool { return f.delivery.Load() == 1 })
}

func TestSearch_ReplayedMessageBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	env := searchEnvelope()

	if w := f.signedSearch(t, env); w.Code != http.StatusOK {
		t.Fatalf("first post: %d", w.Code)
	}
	waitFor(t, func() bool { return f.delivery.Load() == 1 })

	// Same message_id again: ACK but no second delivery.
	if w := f.signedSearch(t, env); w.Code != http.StatusOK {
		t.Fatalf("replay post: %d", w.Code)
	}
	time.Sleep(200 * time.Millisecond)
	if n := f.delivery.Load(); n != 1 {
		t.Fatalf("replay caused %d deliveries", n)
	}
}

func TestSearch_RejectsUnsigned(t *testing.T) {
	f := newFixture(t)

	body, _ := json.Marshal(searchEnvelope())
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request got %d", w.Code)
	}
}

func TestSearch_NacksInvalidContext(t *testing.T) {
	f := newFixture(t)

	env := searchEnvelope()
	env.Context.MessageID = "not-a-uuid"
	w := f.signedSearch(t, env)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %d", w.Code)
	}
	var nack protocol.AckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &nack); err != nil {
		t.Fatal(err)
	}
	if nack.Error == nil || nack.Error.Code != protocol.CodeInvalidUUID {
		t.Fatalf("wrong error: %+v", nack.Error)
	}
}

func TestOnSearch_ForwardsToContextBapURI(t *testing.T) {
	f := newFixture(t)

	var bapCalls atomic.Int64
	bapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bapCalls.Add(1)
		json.NewEncoder(w).Encode(protocol.Ack()) //nolint:errcheck
	}))
	defer bapSrv.Close()

	env := searchEnvelope()
	env.Context.Action = "on_search"
	env.Context.BapURI = bapSrv.URL
	env.Context.BppID = "bpp1.example.com"
	env.Context.BppURI = f.bppSrv.URL

	body, _ := json.Marshal(env)
	priv, _ := crypto.DecodeSigningPrivateKey(f.bapKeys.PrivateKey)
	header, err := auth.BuildAuthHeader("bpp1.example.com", "k1", priv, body, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/on_search", bytes.NewReader(body))
	req.Header.Set(auth.HeaderAuthorization, header)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	// Delivery follows the context's bap_uri, not the registered URL.
	waitFor(t, func() bool { return bapCalls.Load() == 1 })
	if n := f.delivery.Load(); n != 0 {
		t.Fatalf("callback leaked to the registered URL: %d", n)
	}
}

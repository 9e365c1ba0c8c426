package main

// TestE2E_NetworkOrderFlow wires a four-node network in-process and runs the
// full buyer journey over real HTTP with real signatures:
//
//  1. Starts a registry and enrolls the gateway, the buyer app, and the
//     seller app through the subscribe/challenge/confirm flow.
//  2. Seeds the seller catalog through its internal management API.
//  3. search goes buyer → gateway → seller; the on_search callback lands in
//     the buyer's result cache.
//  4. select/init/confirm go buyer → seller directly; on_confirm reports the
//     order ACCEPTED.
//
// Every node keeps its own redis so message dedup stays per-node, as in a
// real deployment.

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknlabs/beckn-engine/internal/bap"
	"github.com/becknlabs/beckn-engine/internal/bpp"
	"github.com/becknlabs/beckn-engine/internal/catalog"
	"github.com/becknlabs/beckn-engine/internal/crypto"
	"github.com/becknlabs/beckn-engine/internal/gateway"
	"github.com/becknlabs/beckn-engine/internal/protocol"
	"github.com/becknlabs/beckn-engine/internal/registry"
	"github.com/becknlabs/beckn-engine/internal/store"
	"github.com/becknlabs/beckn-engine/internal/transport"
)

const (
	e2eDomain = "ONDC:RET10"
	e2eCity   = "std:011"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// enroll runs the subscribe → decrypt challenge → confirm flow for one
// participant and returns its transport client.
func enroll(t *testing.T, regSvc *registry.Service, id, url, subType, ukid string, log *zap.Logger) *transport.Client {
	t.Helper()
	ctx := context.Background()

	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	encr, err := crypto.GenerateEncryptionKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	resp, perr := regSvc.Subscribe(ctx, &registry.SubscribeRequest{
		SubscriberID:     id,
		SubscriberURL:    url,
		Type:             subType,
		SigningPublicKey: signing.PublicKey,
		EncrPublicKey:    encr.PublicKey,
		UniqueKeyID:      ukid,
		Domain:           e2eDomain,
		City:             e2eCity,
	}, "127.0.0.1")
	if perr != nil {
		t.Fatalf("subscribe %s: %v", id, perr)
	}
	plain, err := crypto.Decrypt(resp.Challenge, encr.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	if perr := regSvc.ConfirmSubscription(ctx, &registry.ChallengeAnswer{
		SubscriberID: id,
		Answer:       string(plain),
	}, "127.0.0.1"); perr != nil {
		t.Fatalf("confirm %s: %v", id, perr)
	}

	priv, err := crypto.DecodeSigningPrivateKey(signing.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	return transport.NewClient(
		transport.Identity{SubscriberID: id, UniqueKeyID: ukid, PrivateKey: priv},
		5*time.Minute, 5*time.Second, log,
	)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	blob, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(blob))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func e2eWait(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestE2E_NetworkOrderFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Registry ──────────────────────────────────────────────────────────────
	regDB, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer regDB.Close()

	regPair, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	regPriv, err := crypto.DecodeSigningPrivateKey(regPair.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	regSvc := registry.NewService(
		store.NewSubscribers(regDB),
		store.NewAudit(regDB),
		newRedis(t),
		registry.Identity{SubscriberID: "registry.test", UniqueKeyID: "rk1", PrivateKey: regPriv},
		log,
	)
	regRouter := gin.New()
	registry.NewHandler(regSvc, log).Register(regRouter)
	regSrv := httptest.NewServer(regRouter)
	defer regSrv.Close()

	// ── Seller app ────────────────────────────────────────────────────────────
	bppRouter := gin.New()
	bppSrv := httptest.NewServer(bppRouter)
	defer bppSrv.Close()

	bppDB, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer bppDB.Close()
	bppRdb := newRedis(t)
	bppClient := enroll(t, regSvc, "bpp.test", bppSrv.URL, store.TypeBPP, "bk1", log)
	bppSvc := bpp.NewService(
		bpp.Defaults{
			SubscriberID:  "bpp.test",
			SubscriberURL: bppSrv.URL,
			TTL:           30 * time.Second,
			SupportEmail:  "help@bpp.test",
		},
		store.NewOrders(bppDB),
		store.NewSettlements(bppDB),
		store.NewIssues(bppDB),
		store.NewTxLog(bppDB),
		catalog.NewStore(bppRdb, log),
		protocol.NewDeduper(bppRdb, 5*time.Minute),
		bppClient,
		bppRdb,
		log,
	)
	bpp.NewHandler(bppSvc, time.Hour, log).Register(bppRouter,
		registry.NewClient(regSrv.URL, bppRdb, 5*time.Second, log))

	// ── Gateway ───────────────────────────────────────────────────────────────
	gwRouter := gin.New()
	gwSrv := httptest.NewServer(gwRouter)
	defer gwSrv.Close()

	gwRdb := newRedis(t)
	gwClient := enroll(t, regSvc, "gateway.test", gwSrv.URL, store.TypeBG, "gk1", log)
	gwReg := registry.NewClient(regSrv.URL, gwRdb, 5*time.Second, log)
	gw := gateway.New(gwReg, gwClient, protocol.NewDeduper(gwRdb, 5*time.Minute), 30*time.Second, log)
	go gw.Run(ctx)
	gw.Register(gwRouter, gwReg)

	// ── Buyer app ─────────────────────────────────────────────────────────────
	bapRouter := gin.New()
	bapSrv := httptest.NewServer(bapRouter)
	defer bapSrv.Close()

	bapDB, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer bapDB.Close()
	bapRdb := newRedis(t)
	bapClient := enroll(t, regSvc, "bap.test", bapSrv.URL, store.TypeBAP, "ak1", log)
	bapSvc := bap.NewService(
		bap.Defaults{
			SubscriberID:  "bap.test",
			SubscriberURL: bapSrv.URL,
			Domain:        e2eDomain,
			Country:       "IND",
			City:          e2eCity,
			CoreVersion:   "1.2.0",
			GatewayURL:    gwSrv.URL,
			TTL:           30 * time.Second,
		},
		bapClient,
		store.NewTxLog(bapDB),
		protocol.NewDeduper(bapRdb, 5*time.Minute),
		bapRdb,
		bap.NewWebhooks(bapRdb, 5*time.Second, log),
		log,
	)
	go bapSvc.Run(ctx)
	bap.NewHandler(bapSvc, log).Register(bapRouter,
		registry.NewClient(regSrv.URL, bapRdb, 5*time.Second, log))

	// ── Seed the seller catalog ───────────────────────────────────────────────
	seedBody := map[string]any{
		"catalog": map[string]any{
			"provider": map[string]any{"id": "p1", "descriptor": map[string]any{"name": "Fresh Farms"}},
			"items": []map[string]any{
				{"id": "i1", "descriptor": map[string]any{"name": "Alphonso Mango"},
					"price": map[string]any{"currency": "INR", "value": "120.00"}},
			},
		},
		"ttl": "PT1H",
	}
	blob, _ := json.Marshal(seedBody)
	req, err := http.NewRequest(http.MethodPut, bppSrv.URL+"/internal/catalog", bytes.NewReader(blob))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	seedResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	seedResp.Body.Close()
	if seedResp.StatusCode != http.StatusOK {
		t.Fatalf("catalog seed: %d", seedResp.StatusCode)
	}

	// ── search: buyer → gateway → seller → on_search back to buyer ────────────
	searchResp := postJSON(t, bapSrv.URL+"/api/search", map[string]any{
		"message": map[string]any{"intent": map[string]any{}},
	})
	var searchAck struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(searchResp.Body).Decode(&searchAck); err != nil {
		t.Fatal(err)
	}
	searchResp.Body.Close()
	if searchResp.StatusCode != http.StatusOK || searchAck.TransactionID == "" {
		t.Fatalf("search not accepted: %d %+v", searchResp.StatusCode, searchAck)
	}

	e2eWait(t, "on_search result", func() bool {
		r, err := http.Get(bapSrv.URL + "/api/search/" + searchAck.TransactionID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var out struct {
			Results []json.RawMessage `json:"results"`
		}
		if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
			return false
		}
		return len(out.Results) == 1
	})

	// ── select / init / confirm: buyer → seller directly ──────────────────────
	orderReq := func(action string, message map[string]any) {
		t.Helper()
		r := postJSON(t, bapSrv.URL+"/api/"+action, map[string]any{
			"transaction_id": searchAck.TransactionID,
			"bpp_id":         "bpp.test",
			"bpp_uri":        bppSrv.URL,
			"message":        message,
		})
		defer r.Body.Close()
		if r.StatusCode != http.StatusOK {
			t.Fatalf("%s rejected: %d", action, r.StatusCode)
		}
	}

	orderReq("select", map[string]any{"order": map[string]any{
		"provider": map[string]any{"id": "p1"},
		"items":    []map[string]any{{"id": "i1", "quantity": map[string]any{"count": 2}}},
	}})
	// The order must exist seller-side before confirm can race ahead.
	bppOrders := store.NewOrders(bppDB)
	e2eWait(t, "seller order row", func() bool {
		_, err := bppOrders.ByTransaction(ctx, searchAck.TransactionID)
		return err == nil
	})
	orderReq("init", map[string]any{"order": map[string]any{
		"billing": map[string]any{"name": "A Buyer"},
	}})
	orderReq("confirm", map[string]any{"order": map[string]any{
		"payment": map[string]any{"type": "ON-ORDER", "status": "PAID"},
	}})

	// The on_confirm callback carries the ACCEPTED snapshot.
	e2eWait(t, "on_confirm callback", func() bool {
		r, err := http.Get(bapSrv.URL + "/api/orders/" + searchAck.TransactionID)
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var view struct {
			CallbackData json.RawMessage `json:"callback_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			return false
		}
		var cb struct {
			Message struct {
				Order struct {
					State string `json:"state"`
				} `json:"order"`
			} `json:"message"`
		}
		if err := json.Unmarshal(view.CallbackData, &cb); err != nil {
			return false
		}
		return cb.Message.Order.State == "ACCEPTED"
	})

	// Settlement obligation opened on the seller side.
	ord, err := bppOrders.ByTransaction(ctx, searchAck.TransactionID)
	if err != nil {
		t.Fatal(err)
	}
	settlements, err := store.NewSettlements(bppDB).ByOrder(ctx, ord.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(settlements) != 1 || settlements[0].Amount != "240.00" {
		t.Fatalf("settlement: %+v", settlements)
	}
}

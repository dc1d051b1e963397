// Package pairing obtains the bridge credential from the cloud. It requests a
// short-lived pairing code, surfaces it to the user through the log, and polls
// until the user claims the code in the cloud dashboard.
package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal/credentials"
	"github.com/helm-home/bridge/internal/models"
)

var pairingAttemptsMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bridge_pairing_codes_requested_total",
	Help: "The total number of pairing codes requested from the cloud",
})

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 120
	defaultHTTPTimeout  = 10 * time.Second
)

// Pairing status values the cloud reports for a code.
const (
	statusPending = "pending"
	statusClaimed = "claimed"
	statusPaired  = "paired"
	statusExpired = "expired"
)

var (
	// ErrCodeExpired means the code aged out before anyone claimed it.
	ErrCodeExpired = errors.New("pairing code expired before it was claimed")
	// ErrClaimIncomplete means the cloud reports the code as claimed or
	// paired but never delivered credential material. Restart pairing from
	// the dashboard.
	ErrClaimIncomplete = errors.New("pairing code was claimed but no credential was delivered")
	// ErrPollsExhausted means the poll budget ran out while the code was
	// still pending.
	ErrPollsExhausted = errors.New("pairing poll budget exhausted before the code was claimed")
)

type codeResponse struct {
	Code             string `json:"code"`
	ExpiresAt        string `json:"expiresAt"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}

type statusResponse struct {
	Status           string `json:"status"`
	BridgeCredential string `json:"bridgeCredential,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	PairedAt         string `json:"pairedAt,omitempty"`
}

type Options struct {
	BaseURL       string
	BridgeID      string
	BridgeVersion string
	HaVersion     string

	PollInterval time.Duration
	MaxPolls     int
	Client       *http.Client
}

// Coordinator drives the pairing flow against the cloud's REST endpoints.
type Coordinator struct {
	opts  Options
	store *credentials.Store
}

func NewCoordinator(opts Options, store *credentials.Store) *Coordinator {
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPolls == 0 {
		opts.MaxPolls = defaultMaxPolls
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Coordinator{opts: opts, store: store}
}

// Run requests one pairing code and polls it to resolution. It returns nil
// once a credential is persisted, the context error on cancellation, or a
// terminal pairing error (expired code, exhausted polls, claim without
// material) — the flow never mints codes in a loop on its own. Transient
// cloud errors never abort it.
func (c *Coordinator) Run(ctx context.Context) error {
	log := log.WithField("prefix", "pairing.Coordinator.Run")

	if c.store.IsPaired() {
		return nil
	}

	backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
	var code *codeResponse
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		code, err = c.requestCode(ctx)
		if err == nil {
			break
		}
		delay, _ := backoff.Next()
		log.Warnf("failed to obtain pairing code, retrying in %v: %v", delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Infof("==============================================")
	log.Infof("  Pairing code: %s", code.Code)
	log.Infof("  Enter this code in the cloud dashboard")
	log.Infof("  (expires in %d seconds)", code.ExpiresInSeconds)
	log.Infof("==============================================")

	return c.pollCode(ctx, code.Code)
}

func (c *Coordinator) requestCode(ctx context.Context) (*codeResponse, error) {
	body, err := sonic.Marshal(map[string]string{
		"bridgeId":      c.opts.BridgeID,
		"bridgeVersion": c.opts.BridgeVersion,
		"haVersion":     c.opts.HaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pairing request: %w", err)
	}

	url := strings.TrimRight(c.opts.BaseURL, "/") + "/api/bridge/pairing-codes"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pairing code request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("pairing code request returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairing code response: %w", err)
	}
	var code codeResponse
	if err := sonic.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("pairing code response is not valid JSON: %w", err)
	}
	if code.Code == "" {
		return nil, fmt.Errorf("pairing code response has no code")
	}

	pairingAttemptsMetric.Inc()
	return &code, nil
}

// pollCode polls one code to resolution. It returns nil once a credential is
// persisted and a terminal error otherwise. The local store is checked before
// every remote poll, including the first, so pairing completed elsewhere is
// picked up without a sleep.
func (c *Coordinator) pollCode(ctx context.Context, code string) error {
	log := log.WithField("prefix", "pairing.Coordinator.pollCode")

	for i := 0; i < c.opts.MaxPolls; i++ {
		if c.store.IsPaired() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		status, httpStatus, err := c.fetchStatus(ctx, code)
		switch {
		case err != nil:
			log.Warnf("pairing status poll failed: %v", err)

		case httpStatus == http.StatusNotFound:
			if c.store.IsPaired() {
				return nil
			}
			log.Debug("pairing code not found yet, continuing")

		case status.Status == statusPaired && status.BridgeCredential != "":
			cred := models.StoredCredential{
				BridgeID:         c.opts.BridgeID,
				BridgeCredential: status.BridgeCredential,
				TenantID:         status.TenantID,
				PairedAt:         status.PairedAt,
				CloudURL:         c.opts.BaseURL,
			}
			if err := c.store.Save(cred); err != nil {
				log.Errorf("failed to persist credential: %v", err)
				break
			}
			log.Infof("paired with tenant %s", status.TenantID)
			return nil

		case status.Status == statusPaired, status.Status == statusClaimed:
			// Claimed but no material on this poll path. The material is
			// delivered only once; waiting longer cannot produce it.
			if c.store.IsPaired() {
				return nil
			}
			log.Error("pairing code was claimed but no credential arrived; restart pairing from the cloud dashboard")
			return ErrClaimIncomplete

		case status.Status == statusExpired:
			log.Info("pairing code expired unclaimed")
			return ErrCodeExpired

		case status.Status == statusPending:

		default:
			log.Warnf("pairing status %q is unknown, continuing", status.Status)
		}

		select {
		case <-time.After(c.opts.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	log.Errorf("pairing code was not claimed within %d polls", c.opts.MaxPolls)
	return ErrPollsExhausted
}

func (c *Coordinator) fetchStatus(ctx context.Context, code string) (*statusResponse, int, error) {
	url := fmt.Sprintf("%s/api/bridge/pairing-codes/%s/status", strings.TrimRight(c.opts.BaseURL, "/"), code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, http.StatusNotFound, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("pairing status returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		// A proxy or captive portal answered instead of the cloud.
		return nil, resp.StatusCode, fmt.Errorf("pairing status response is %q, not JSON", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	var status statusResponse
	if err := sonic.Unmarshal(data, &status); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("pairing status response is not valid JSON: %w", err)
	}
	return &status, resp.StatusCode, nil
}

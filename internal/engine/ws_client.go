package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
)

// WSClient talks to the automation engine over a persistent WebSocket
// command channel: one request in flight at a time, responses matched by
// arrival order, every wait bounded by a timeout.
type WSClient struct {
	engineURL      string
	commandTimeout time.Duration
	probeTimeout   time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	responses chan map[string]interface{}

	httpClient   *http.Client
	probeLimiter *ratelimit.Limiter
}

// NewWSClient builds the client. The connection is dialed lazily on first
// command so a slow engine does not block process start.
func NewWSClient(cfg config.EngineConfig) *WSClient {
	commandTimeout := cfg.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 35 * time.Second
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	perMinute := cfg.ProbePerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &WSClient{
		engineURL:      cfg.URL,
		commandTimeout: commandTimeout,
		probeTimeout:   probeTimeout,
		httpClient:     &http.Client{Timeout: probeTimeout},
		probeLimiter:   ratelimit.NewLimiter(perMinute, 2),
	}
}

func (c *WSClient) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if c.engineURL == "" {
		return fmt.Errorf("automation engine URL not configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.engineURL, nil)
	if err != nil {
		return fmt.Errorf("dial automation engine: %w", err)
	}

	c.conn = conn
	c.responses = make(chan map[string]interface{}, 10)

	go func() {
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("engine connection error: %v", err)
				}
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				return
			}
			select {
			case c.responses <- msg:
			default:
				log.Printf("engine response buffer full, dropping message")
			}
		}
	}()
	return nil
}

// sendCommand writes one command and waits for the next response, bounded by
// the command timeout.
func (c *WSClient) sendCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	if err := c.conn.WriteJSON(cmd); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("send engine command: %w", err)
	}

	select {
	case response := <-c.responses:
		if status, ok := response["status"].(string); ok && status == "error" {
			return nil, fmt.Errorf("engine error: %v", response["message"])
		}
		return response, nil
	case <-time.After(c.commandTimeout):
		return nil, fmt.Errorf("engine command timeout after %s", c.commandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResumeAfterCaptcha asks the engine to continue the session with the solved
// challenge.
func (c *WSClient) ResumeAfterCaptcha(ctx context.Context, sessionID, captchaID, solutionToken, resumeToken string) (ResumeResult, error) {
	response, err := c.sendCommand(ctx, map[string]interface{}{
		"action":        "resumeAfterCaptcha",
		"sessionId":     sessionID,
		"captchaId":     captchaID,
		"solutionToken": solutionToken,
		"resumeToken":   resumeToken,
	})
	if err != nil {
		return ResumeResult{}, err
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return ResumeResult{}, fmt.Errorf("decode resume response: %w", err)
	}
	var result ResumeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ResumeResult{}, fmt.Errorf("decode resume response: %w", err)
	}
	return result, nil
}

// ProbeProvider checks whether a provider responds at all. Rate limited per
// host so a flapping provider is not hammered, and bounded by the probe
// timeout.
func (c *WSClient) ProbeProvider(ctx context.Context, providerURL string) (ProbeResult, error) {
	host := providerURL
	if u, err := url.Parse(providerURL); err == nil && u.Host != "" {
		host = u.Host
	}
	if !c.probeLimiter.Allow(host) {
		return ProbeResult{}, fmt.Errorf("probe rate limit reached for %s", host)
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, providerURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		return ProbeResult{Available: false, ResponseTime: elapsed}, nil
	}
	defer resp.Body.Close()

	return ProbeResult{
		Available:    resp.StatusCode < http.StatusInternalServerError,
		ResponseTime: elapsed,
		StatusCode:   resp.StatusCode,
	}, nil
}

// Close shuts down the command channel.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

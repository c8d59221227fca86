package authcore

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BreachChecker reports whether a password appears in a known breach corpus.
type BreachChecker interface {
	Breached(ctx context.Context, password string) (bool, error)
}

// hibpChecker queries a Pwned Passwords style range API. Only the first five
// hex characters of the SHA-1 digest leave the process.
type hibpChecker struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

// NewBreachChecker returns a range-API checker against endpoint, which must
// end where the 5-character prefix is appended.
func NewBreachChecker(client *http.Client, endpoint string, timeout time.Duration) BreachChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &hibpChecker{client: client, endpoint: endpoint, timeout: timeout}
}

func (c *hibpChecker) Breached(ctx context.Context, password string) (bool, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+prefix, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Add-Padding", "true")
	req.Header.Set("User-Agent", "authcore")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("breach range lookup: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		hashSuffix, count, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(hashSuffix, suffix) {
			continue
		}
		// Padding entries carry a zero count.
		n, err := strconv.Atoi(strings.TrimSpace(count))
		return err == nil && n > 0, nil
	}
	return false, scanner.Err()
}

// passwordBreached fails open: lookup errors are logged and treated as "not
// breached" so sign-up never stalls on the third party.
func (e *Engine) passwordBreached(ctx context.Context, password string) bool {
	if e.breach == nil {
		return false
	}
	breached, err := e.breach.Breached(ctx, password)
	if err != nil {
		e.metricInc(MetricBreachCheckFailed)
		e.logger.Printf("authcore: breach check failed, continuing: %v", err)
		return false
	}
	return breached
}

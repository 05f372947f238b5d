package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
)

const (
	networkAttempts = 5
	networkDelay    = 3 * time.Second

	timeSyncAttempts = 15
	timeSyncDelay    = 2 * time.Second

	cleanupTimeout = 30 * time.Second
)

// probeURL is the reachability target; the mirror status host doubles as a
// liveness check since we need it shortly anyway.
func (o *Orchestrator) probeURL() string {
	return o.Config.Mirror.StatusURL
}

// checkNetwork confirms internet reachability with bounded retries. After
// the first round fails, operator guidance is printed and one more round
// runs before the failure becomes a NetworkError.
func (o *Orchestrator) checkNetwork(ctx context.Context) error {
	probe := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, o.probeURL(), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	attempt := func() error {
		return retry.Do(probe,
			retry.Attempts(networkAttempts),
			retry.Delay(networkDelay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
	}
	err := attempt()
	if err == nil {
		return nil
	}
	pipelog.Info("no internet connectivity yet; bring the network up manually " +
		"(wired: check the cable and DHCP; Wi-Fi: iwctl station <dev> connect <ssid>) -- retrying")
	if err = attempt(); err != nil {
		return &NetworkError{Err: err}
	}
	return nil
}

// waitTimeSync enables NTP and polls for synchronization. Package signature
// checks fail on a badly skewed clock, so exhaustion is an explicit failure
// rather than a warning.
func (o *Orchestrator) waitTimeSync(ctx context.Context) error {
	if _, err := o.Runner.Run(ctx, "timedatectl", "set-ntp", "true"); err != nil {
		return &NetworkError{Err: errors.Wrap(err, "enabling ntp")}
	}
	err := retry.Do(
		func() error {
			out, err := o.Runner.Run(ctx, "timedatectl", "show", "--property", "NTPSynchronized", "--value")
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) != "yes" {
				return errors.New("clock not synchronized yet")
			}
			return nil
		},
		retry.Attempts(timeSyncAttempts),
		retry.Delay(timeSyncDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return &NetworkError{Err: errors.Wrap(err, "time synchronization")}
	}
	return nil
}

// Package mirror ranks package-source candidates and installs the base
// package set with tiered fallback. Ranking prefers a live status service,
// then a fast local ranking pass, then a curated fixed list, and finally
// whatever sources are already configured. Installation attempts shrink from
// the full target set to an essential set to a minimal base.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/packethost/pkg/log"
	"github.com/pkg/errors"

	"github.com/crucible-os/crucible/shell"
)

var mirrorlog log.Logger

func Init(l log.Logger) {
	mirrorlog = l.Package("mirror")
}

// Candidate is one ranked package source. Ephemeral: recomputed every run,
// never persisted.
type Candidate struct {
	URL           string
	Protocol      string
	CompletionPct float64 // 0..100
	Score         float64 // lower is better
}

// Config tunes ranking.
type Config struct {
	StatusURL     string
	CompletionPct float64 // minimum completion percentage
	MaxSources    int
	Country       string
}

// Tier names, also used in logs so fallback decisions are reproducible.
const (
	TierStatus  = "status-service"
	TierLocal   = "local-rank"
	TierCurated = "curated-list"
	TierKeep    = "keep-configured"
)

// curated is the fixed fallback list used when both ranking tiers fail.
var curated = []string{
	"https://geo.mirror.pkgbuild.com/$repo/os/$arch",
	"https://mirror.rackspace.com/archlinux/$repo/os/$arch",
	"https://mirrors.kernel.org/archlinux/$repo/os/$arch",
}

// MirrorlistPath is where the ranked sources land.
const MirrorlistPath = "/etc/pacman.d/mirrorlist"

// Ranker runs the source-ranking tiers.
type Ranker struct {
	Runner shell.Runner
	Config Config

	// ListPath overrides MirrorlistPath in tests.
	ListPath string
	// HTTP is the status-service client; built lazily when nil.
	HTTP *retryablehttp.Client
	// LocalTimeout bounds the external ranking tool.
	LocalTimeout time.Duration
}

// Rank tries each tier at most once and returns the name of the tier that
// produced the mirrorlist. Identical failure conditions always select the
// same tier.
func (k *Ranker) Rank(ctx context.Context) (string, error) {
	tiers := []struct {
		name string
		run  func(context.Context) error
	}{
		{TierStatus, k.fromStatus},
		{TierLocal, k.fromLocal},
		{TierCurated, k.fromCurated},
	}
	for _, tier := range tiers {
		err := tier.run(ctx)
		if err == nil {
			mirrorlog.With("tier", tier.name).Info("mirror ranking succeeded")
			return tier.name, nil
		}
		mirrorlog.With("tier", tier.name).Info("mirror ranking tier failed: " + err.Error())
	}
	// Total failure: keep whatever was already configured.
	mirrorlog.With("tier", TierKeep).Info("all ranking tiers failed, keeping configured sources")
	return TierKeep, nil
}

// statusDoc matches the mirror status service JSON.
type statusDoc struct {
	URLs []statusURL `json:"urls"`
}

type statusURL struct {
	URL           string  `json:"url"`
	Protocol      string  `json:"protocol"`
	CompletionPct float64 `json:"completion_pct"` // 0..1 in the document
	Score         float64 `json:"score"`
	CountryCode   string  `json:"country_code"`
}

func (k *Ranker) fromStatus(ctx context.Context) error {
	client := k.HTTP
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 2
		client.HTTPClient.Timeout = 30 * time.Second
		client.Logger = nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, k.Config.StatusURL, nil)
	if err != nil {
		return errors.Wrap(err, "building status request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetching mirror status")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("mirror status service returned %s", resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(err, "reading mirror status")
	}
	var doc statusDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "parsing mirror status")
	}
	candidates := k.filter(doc.URLs)
	if len(candidates) == 0 {
		return errors.New("no candidate passed the completion and transport filters")
	}
	return k.write(candidates)
}

// filter keeps secure-transport sources above the completion threshold and
// orders them best score first.
func (k *Ranker) filter(urls []statusURL) []Candidate {
	var out []Candidate
	for _, u := range urls {
		if u.Protocol != "https" {
			continue
		}
		pct := u.CompletionPct * 100
		if pct < k.Config.CompletionPct {
			continue
		}
		if u.Score <= 0 {
			continue
		}
		if k.Config.Country != "" && !strings.EqualFold(u.CountryCode, k.Config.Country) {
			continue
		}
		out = append(out, Candidate{URL: u.URL, Protocol: u.Protocol, CompletionPct: pct, Score: u.Score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if k.Config.MaxSources > 0 && len(out) > k.Config.MaxSources {
		out = out[:k.Config.MaxSources]
	}
	return out
}

func (k *Ranker) fromLocal(ctx context.Context) error {
	timeout := k.LocalTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	args := []string{"--protocol", "https", "--latest", "20", "--sort", "rate", "--save", k.listPath()}
	if k.Config.Country != "" {
		args = append(args, "--country", k.Config.Country)
	}
	if _, err := shell.RunTimeout(ctx, k.Runner, timeout, "reflector", args...); err != nil {
		return errors.Wrap(err, "local ranking pass")
	}
	return nil
}

func (k *Ranker) fromCurated(context.Context) error {
	var out []Candidate
	for _, u := range curated {
		out = append(out, Candidate{URL: u, Protocol: "https"})
	}
	return k.write(out)
}

func (k *Ranker) write(candidates []Candidate) error {
	var b strings.Builder
	b.WriteString("# generated by crucible\n")
	for _, c := range candidates {
		url := c.URL
		if !strings.Contains(url, "$repo") {
			url = strings.TrimRight(url, "/") + "/$repo/os/$arch"
		}
		fmt.Fprintf(&b, "Server = %s\n", url)
	}
	if err := os.WriteFile(k.listPath(), []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", k.listPath())
	}
	return nil
}

func (k *Ranker) listPath() string {
	if k.ListPath != "" {
		return k.ListPath
	}
	return MirrorlistPath
}

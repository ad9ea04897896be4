// Package tdl invokes the external high-throughput downloader process
// and feeds its progress stream back to the export engine.
package tdl

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/blockedby/tg-export/internal/config"
	"github.com/blockedby/tg-export/internal/logger"
)

// Runner shells out to the delegated downloader. A process-global
// semaphore admits one invocation per authenticated session, so two
// batches never log in with the same credentials at once.
type Runner struct {
	binary    string
	container string
	proxyURL  string
	log       *logger.Logger

	// one slot: one login per session
	sem chan struct{}
}

// NewRunner builds a runner from configuration.
func NewRunner(cfg *config.Config) *Runner {
	return &Runner{
		binary:    cfg.TDLBinary,
		container: cfg.TDLContainer,
		proxyURL:  cfg.TGProxyURL,
		log:       logger.Get(),
		sem:       make(chan struct{}, 1),
	}
}

// DownloadBatch downloads a batch of t.me links into dir.
//
// stdout carries one progress line per tick: "<index> <downloaded> <total>".
// stderr is logged. Exit code 0 means every item in the batch landed;
// any non-zero exit fails the whole batch — the caller must never treat
// progress lines as completion.
func (r *Runner) DownloadBatch(ctx context.Context, dir string, links []string, onProgress func(i int, downloaded, total int64)) error {
	if len(links) == 0 {
		return nil
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()

	args := r.buildArgs(dir, links)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	r.log.Info().
		Int("links", len(links)).
		Str("dir", dir).
		Msg("tdl: starting delegated batch")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start downloader: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			if i, downloaded, total, ok := parseProgressLine(sc.Text()); ok {
				onProgress(i, downloaded, total)
			}
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			r.log.Debug().Str("line", sc.Text()).Msg("tdl: stderr")
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("downloader exited: %w", err)
	}
	return nil
}

// buildArgs assembles the command line. When a container name is
// configured the downloader runs in its own container with the session
// file bind-mounted; otherwise the binary is invoked directly.
func (r *Runner) buildArgs(dir string, links []string) []string {
	var args []string
	if r.container != "" {
		args = append(args, "docker", "exec", r.container)
	}
	args = append(args, r.binary, "dl", "-d", dir, "--continue")
	if r.proxyURL != "" {
		args = append(args, "--proxy", r.proxyURL)
	}
	// filename template matches the in-process naming rule
	args = append(args, "--template", "{{ .MessageID }}-{{ .DialogID }}-{{ .FileName }}")
	for _, link := range links {
		args = append(args, "-u", link)
	}
	return args
}

// parseProgressLine reads "<index> <downloaded> <total>".
// Unparseable lines (banners, summaries) are ignored.
func parseProgressLine(line string) (i int, downloaded, total int64, ok bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 {
		return 0, 0, 0, false
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, 0, false
	}
	dl, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	tot, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return 0, 0, 0, false
	}
	return idx, dl, tot, true
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// pcdFiles lists the .pcd files directly under dir in name order.
func pcdFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".pcd") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// replayCommand runs each cloud through a synchronous cycle, stamping it
// with the wall clock so admission sees a live stream.
func replayCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := pcdFiles(c.String(flagClouds))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .pcd files in %s", c.String(flagClouds))
	}

	s, err := newStack(ctx, c)
	if err != nil {
		return err
	}
	defer s.close()
	s.loc.StartProcessing()

	frame := c.String(flagFrame)
	if frame == "" {
		frame = s.cfg.GetBaseFrame()
	}
	var interval time.Duration
	if rate := c.Float64(flagRate); rate > 0 {
		interval = time.Duration(float64(time.Second) / rate)
	}

	counts := make(map[localization.Status]int)
	for i, path := range files {
		if ctx.Err() != nil {
			break
		}
		pc, err := cloud.ReadPCDFile(path)
		if err != nil {
			return err
		}
		if pc.Frame == "" {
			pc.Frame = frame
		}
		pc.Timestamp = time.Now()
		pc.Source = "replay"

		d := s.loc.ProcessCloud(ctx, pc)
		counts[d.Status]++
		logger.Diagf("[%d/%d] %s: %s (%s)", i+1, len(files), filepath.Base(path), d.Status, d.Mode)

		if interval > 0 && i < len(files)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	st := s.loc.Status()
	logger.Opsf("replayed %d clouds, mode %s, %d accepted corrections", st.Cycles, st.Mode, st.AcceptedCorrections)
	return json.NewEncoder(c.App.Writer).Encode(counts)
}

package builtin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
	"golang.org/x/sync/errgroup"

	"upkeep/internal/job"
	logx "upkeep/pkg/logx"
)

// SpeedResult is the return value of net.speedtest.
type SpeedResult struct {
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       float64 `json:"ping_ms"`
	JitterMs     float64 `json:"jitter_ms"`
	ISP          string  `json:"isp"`
	Server       string  `json:"server"`
	Country      string  `json:"country"`
}

type speedtestHandler struct {
	d   Deps
	run func(ctx context.Context, savingMode bool) (SpeedResult, error)
}

func (h speedtestHandler) Run(ctx context.Context, inv job.Invocation) (any, error) {
	cfg := h.d.cfg()
	if timeout := cfg.Duration("speedtest.timeout", 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	run := h.run
	if run == nil {
		run = runSpeedtest
	}
	res, err := run(ctx, cfg.Bool("speedtest.saving_mode", false))
	if err != nil {
		return nil, fmt.Errorf("speedtest: %w", err)
	}
	h.d.Log.Info("speedtest finished",
		logx.String("job_id", inv.JobID),
		logx.Float64("down_mbps", res.DownloadMbps),
		logx.Float64("up_mbps", res.UploadMbps),
		logx.Float64("ping_ms", res.PingMs),
		logx.String("server", res.Server),
	)
	return res, nil
}

// runSpeedtest pings the nearest servers and runs a full test on the fastest.
func runSpeedtest(ctx context.Context, savingMode bool) (SpeedResult, error) {
	const candidates = 5

	stc := st.New(st.WithUserConfig(&st.UserConfig{SavingMode: savingMode, MaxConnections: 4}))
	defer stc.Reset()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return SpeedResult{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return SpeedResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return SpeedResult{}, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	if len(servers) > candidates {
		servers = servers[:candidates]
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, s := range servers {
		g.Go(func() error {
			// Failed pings leave Latency at zero and are filtered below.
			_ = s.PingTestContext(ctx, nil)
			return nil
		})
	}
	_ = g.Wait()

	var best *st.Server
	for _, s := range servers {
		if s.Latency > 0 && (best == nil || s.Latency < best.Latency) {
			best = s
		}
	}
	if best == nil {
		return SpeedResult{}, errors.New("all latency tests failed")
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("download: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return SpeedResult{}, fmt.Errorf("upload: %w", err)
	}
	return SpeedResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		PingMs:       float64(best.Latency) / float64(time.Millisecond),
		JitterMs:     float64(best.Jitter) / float64(time.Millisecond),
		ISP:          user.Isp,
		Server:       best.Sponsor,
		Country:      best.Country,
	}, nil
}

package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/aetherdock/backend/internal/models"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// DockerClient adapts the Docker Engine API to the gateway's runtime
// boundary. It is safe for concurrent use.
type DockerClient struct {
	cli     *client.Client
	baseURL string
	log     zerolog.Logger

	mu       sync.Mutex
	netPrior map[string]netSample
}

var _ fleet.Runtime = (*DockerClient)(nil)

// netSample is the cumulative network byte count seen at a point in time,
// kept per container to turn counters into a rate.
type netSample struct {
	bytes uint64
	at    time.Time
}

// NewDockerClient connects to host, or to the environment's default daemon
// when host is empty.
func NewDockerClient(host string, log zerolog.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerClient{
		cli:      cli,
		baseURL:  cli.DaemonHost(),
		log:      log.With().Str("component", "docker").Logger(),
		netPrior: make(map[string]netSample),
	}, nil
}

func (d *DockerClient) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

func (d *DockerClient) DaemonHost() string {
	return d.baseURL
}

func (d *DockerClient) PingDocker(ctx context.Context) error {
	if d.cli == nil {
		return fmt.Errorf("docker client not initialized")
	}

	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return nil
}

func (d *DockerClient) ListContainers(ctx context.Context, all bool) ([]models.ContainerSummary, error) {
	if d.cli == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]models.ContainerSummary, 0, len(containers))
	live := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		out = append(out, toSummary(c))
		live[c.ID] = struct{}{}
	}
	if all {
		d.pruneRates(live)
	}
	return out, nil
}

func (d *DockerClient) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *DockerClient) StopContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerClient) RestartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

// OpenLogStream attaches to a container's stdout and stderr. Containers
// without a TTY multiplex both streams, so those are demultiplexed before the
// bytes are handed on. Cancelling ctx closes the underlying connection.
func (d *DockerClient) OpenLogStream(ctx context.Context, id string, opts models.LogOptions) (models.LogStream, error) {
	if d.cli == nil {
		return models.LogStream{}, fmt.Errorf("docker client not initialized")
	}

	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return models.LogStream{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	tty := info.Config != nil && info.Config.Tty

	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       tailArg(opts.Tail),
	})
	if err != nil {
		return models.LogStream{}, fmt.Errorf("failed to open container logs: %w", err)
	}

	chunks := make(chan []byte, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(chunks)
		defer reader.Close()

		err := pumpLogs(ctx, reader, tty, chunks)
		if err != nil && ctx.Err() == nil {
			d.log.Debug().Err(err).Str("container", id).Msg("log stream failed")
			errc <- err
		}
	}()

	return models.LogStream{Chunks: chunks, Err: errc}, nil
}

// SampleStats takes a single stats reading. The network rate is relative to
// the previous reading for the same container and is zero for the first one.
func (d *DockerClient) SampleStats(ctx context.Context, id string) (models.StatsSnapshot, error) {
	if d.cli == nil {
		return models.StatsSnapshot{}, fmt.Errorf("docker client not initialized")
	}

	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("failed to get container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("failed to decode stats: %w", err)
	}

	at := stats.Read
	if at.IsZero() {
		at = time.Now()
	}
	cur := netSample{bytes: networkBytes(stats), at: at}

	d.mu.Lock()
	prev, ok := d.netPrior[id]
	d.netPrior[id] = cur
	d.mu.Unlock()

	rate := 0.0
	if ok {
		rate = networkRate(prev, cur)
	}

	return models.StatsSnapshot{
		ContainerID:        id,
		CPUPercent:         cpuPercent(stats),
		MemoryBytes:        memoryUsage(stats),
		MemoryLimitBytes:   stats.MemoryStats.Limit,
		NetworkBytesPerSec: rate,
		SampledAt:          at,
	}, nil
}

func (d *DockerClient) pruneRates(live map[string]struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.netPrior {
		if _, ok := live[id]; !ok {
			delete(d.netPrior, id)
		}
	}
}

func toSummary(c types.Container) models.ContainerSummary {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	ports := make([]models.Port, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, models.Port{
			IP:          p.IP,
			PrivatePort: p.PrivatePort,
			PublicPort:  p.PublicPort,
			Type:        p.Type,
		})
	}

	return models.ContainerSummary{
		ID:        c.ID,
		Name:      name,
		Image:     c.Image,
		State:     models.ParseContainerState(c.State),
		Status:    c.Status,
		Ports:     ports,
		CreatedAt: time.Unix(c.Created, 0).UTC(),
	}
}

func tailArg(tail int) string {
	if tail < 0 {
		return "all"
	}
	return strconv.Itoa(tail)
}

// pumpLogs copies r into chunks until EOF, a read error, or ctx is done. A
// clean EOF returns nil.
func pumpLogs(ctx context.Context, r io.Reader, tty bool, chunks chan<- []byte) error {
	w := &chunkWriter{ctx: ctx, out: chunks}
	var err error
	if tty {
		_, err = io.Copy(w, r)
	} else {
		_, err = stdcopy.StdCopy(w, w, r)
	}
	if err == io.EOF {
		return nil
	}
	return err
}

// chunkWriter turns Write calls into owned byte slices on a channel.
type chunkWriter struct {
	ctx context.Context
	out chan<- []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case w.out <- buf:
		return len(p), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}

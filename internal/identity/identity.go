// Package identity resolves the immutable footprint of a traced
// process: its executable path, a content hash, process metadata from
// gopsutil, and (if applicable) the owning container. Resolution runs
// off the hot path — stream and TLS events carry only a pid; this
// package enriches pids asynchronously for the consumer-facing API
// (spec §4.6).
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Identity is the enriched footprint for one pid, cached for the life
// of the process.
type Identity struct {
	PID         uint32
	BinaryPath  string
	SHA256      string
	Comm        string
	NumThreads  int32
	ContainerID string // empty when the process is not containerized
	MountNsID   uint32
	ResolvedAt  time.Time
}

// Cache resolves and caches Identity by pid. Entries leave the cache
// only through Evict, or through Reap's /proc liveness sweep once the
// process is gone.
type Cache struct {
	mu     sync.RWMutex
	byPID  map[uint32]Identity
	docker *client.Client // nil when Docker enrichment is unavailable
}

// New creates a Cache. Docker enrichment is best-effort: if the local
// Docker daemon is unreachable, ContainerID is simply left blank.
func New() *Cache {
	c := &Cache{byPID: make(map[uint32]Identity)}
	if dc, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()); err == nil {
		c.docker = dc
	}
	return c
}

// Resolve returns the cached Identity for pid, computing it on first
// use. The binary hash and container lookup are the expensive parts;
// both are skipped entirely once cached.
func (c *Cache) Resolve(ctx context.Context, pid uint32) (Identity, error) {
	c.mu.RLock()
	if id, ok := c.byPID[pid]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	id, err := c.resolveUncached(ctx, pid)
	if err != nil {
		return Identity{}, err
	}

	c.mu.Lock()
	c.byPID[pid] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Cache) resolveUncached(ctx context.Context, pid uint32) (Identity, error) {
	exePath, err := os.Readlink("/proc/" + strconv.Itoa(int(pid)) + "/exe")
	if err != nil {
		return Identity{}, fmt.Errorf("identity: readlink exe for pid %d: %w", pid, err)
	}

	id := Identity{PID: pid, BinaryPath: exePath, ResolvedAt: time.Now()}

	if hash, err := sha256OfFile(exePath); err == nil {
		id.SHA256 = hash
	}

	if mntNsID, err := mountNamespaceID(pid); err == nil {
		id.MountNsID = mntNsID
	}

	if proc, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := proc.Name(); err == nil {
			id.Comm = name
		}
		if threads, err := proc.NumThreads(); err == nil {
			id.NumThreads = threads
		}
	}

	if c.docker != nil {
		if containerID, err := c.containerIDFor(ctx, pid); err == nil {
			id.ContainerID = containerID
		}
	}

	return id, nil
}

// containerIDFor inspects running containers and matches by host pid,
// a read-only lookup — mcptapd never starts, stops, or mutates
// containers (spec Non-goals: no container lifecycle management).
func (c *Cache) containerIDFor(ctx context.Context, pid uint32) (string, error) {
	containers, err := c.docker.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return "", err
	}
	for _, ctr := range containers {
		inspect, err := c.docker.ContainerInspect(ctx, ctr.ID)
		if err != nil || inspect.State == nil {
			continue
		}
		if uint32(inspect.State.Pid) == pid {
			return ctr.ID, nil
		}
	}
	return "", fmt.Errorf("identity: no container found for pid %d", pid)
}

// Evict removes a pid from the cache, so a stale identity can't
// survive pid reuse once the process behind it is confirmed gone.
func (c *Cache) Evict(pid uint32) {
	c.mu.Lock()
	delete(c.byPID, pid)
	c.mu.Unlock()
}

// Reap evicts every cached identity whose pid no longer has a
// /proc/<pid> entry. The kernel ingestion path has no reliable
// per-pid process-exit event wired to the ring buffer (bpf/mcptap.c's
// sched_process_exit tracepoint submits nothing and cleans up nothing), so
// this periodic liveness sweep is how the cache actually bounds itself
// in both ingestion modes; callers run it on a ticker.
func (c *Cache) Reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.byPID {
		if _, err := os.Stat("/proc/" + strconv.Itoa(int(pid))); os.IsNotExist(err) {
			delete(c.byPID, pid)
		}
	}
}

// Len reports the number of cached identities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byPID)
}

func sha256OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// mountNamespaceID reads the inode backing /proc/<pid>/ns/mnt, which
// uniquely identifies a mount namespace on the host (used to correlate
// identity with library-enumeration events from the external
// collaborator, spec §6 Non-goals).
func mountNamespaceID(pid uint32) (uint32, error) {
	var stat unix.Stat_t
	path := "/proc/" + strconv.Itoa(int(pid)) + "/ns/mnt"
	if err := unix.Stat(path, &stat); err != nil {
		return 0, err
	}
	return uint32(stat.Ino), nil
}

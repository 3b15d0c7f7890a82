package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmalloc/api"
	"github.com/srediag/shmalloc/internal/layout"
)

type MemoryTestSuite struct {
	suite.Suite
	config *Config
	seq    int
}

func (s *MemoryTestSuite) SetupTest() {
	s.config = DefaultConfig()
	s.config.Dir = s.T().TempDir()
	s.config.LockTimeout = time.Second
	s.config.OpenTimeout = 50 * time.Millisecond
}

func (s *MemoryTestSuite) name() string {
	s.seq++
	return fmt.Sprintf("region-%d", s.seq)
}

func (s *MemoryTestSuite) create(name string, size uint64) *Memory {
	m, err := NewWithConfig(name, size, 0, s.config)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = m.Close() })
	return m
}

func (s *MemoryTestSuite) open(name string) *Memory {
	m, err := OpenWithConfig(name, s.config)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = m.Close() })
	return m
}

func (s *MemoryTestSuite) TestSharedAcrossMappings() {
	name := s.name()
	creator := s.create(name, 4096)
	opener := s.open(name)
	s.True(creator.Created())
	s.False(opener.Created())
	s.Equal(creator.Size(), opener.Size())

	buf, err := creator.Allocate(16)
	s.Require().NoError(err)
	b, err := creator.Bytes(buf)
	s.Require().NoError(err)
	copy(b, "hello, shmalloc!")

	seen, err := opener.Bytes(buf)
	s.Require().NoError(err)
	s.Equal("hello, shmalloc!", string(seen))

	s.Require().NoError(opener.Deallocate(buf))
	_, err = creator.Bytes(buf)
	s.ErrorIs(err, ErrInvalidBuffer)
	s.ErrorIs(creator.Deallocate(buf), ErrInvalidBuffer)
	s.NoError(creator.Check())
}

func (s *MemoryTestSuite) TestCascadeScenario() {
	m := s.create(s.name(), 100)

	a, err := m.Allocate(4)
	s.Require().NoError(err)
	b, err := m.Allocate(4)
	s.Require().NoError(err)
	_, err = m.AllocateMore(4, b)
	s.Require().NoError(err)

	_, err = m.Allocate(8)
	s.ErrorIs(err, ErrOutOfMemory)

	s.Require().NoError(m.Deallocate(b))
	_, err = m.Allocate(8)
	s.NoError(err)

	st, err := m.Stats()
	s.Require().NoError(err)
	s.Equal(uint32(2), st.LiveBlocks)
	s.NoError(m.Deallocate(a))
	s.NoError(m.Check())
}

func (s *MemoryTestSuite) TestNewRejectsBadInput() {
	name := s.name()
	_, err := NewWithConfig(name, layout.MinRegionSize-1, 0, s.config)
	s.ErrorIs(err, ErrInvalidSize)
	s.NoFileExists(filepath.Join(s.config.Dir, name))

	_, err = NewWithConfig("a/b", 4096, 0, s.config)
	s.ErrorIs(err, ErrOsFailure)

	s.create(name, 4096)
	_, err = NewWithConfig(name, 4096, 0, s.config)
	s.ErrorIs(err, ErrAlreadyExists)

	_, err = NewWithConfig(s.name(), 4096, 0, &Config{})
	s.ErrorIs(err, ErrInvalidConfig)
}

func (s *MemoryTestSuite) TestOpenMissing() {
	_, err := OpenWithConfig(s.name(), s.config)
	s.ErrorIs(err, ErrNotFound)
}

func (s *MemoryTestSuite) TestOpenCorruptHeader() {
	name := s.name()
	m := s.create(name, 4096)

	f, err := os.OpenFile(m.Path(), os.O_RDWR, 0)
	s.Require().NoError(err)
	var total [8]byte
	binary.LittleEndian.PutUint64(total[:], 8192)
	_, err = f.WriteAt(total[:], 16)
	s.Require().NoError(err)
	s.Require().NoError(f.Close())

	_, err = OpenWithConfig(name, s.config)
	s.ErrorIs(err, ErrCorruptHeader)
}

func (s *MemoryTestSuite) TestOpenUninitializedTimesOut() {
	zeroed := s.name()
	s.Require().NoError(os.WriteFile(filepath.Join(s.config.Dir, zeroed), make([]byte, 128), 0600))
	start := time.Now()
	_, err := OpenWithConfig(zeroed, s.config)
	s.ErrorIs(err, ErrCorruptHeader)
	s.GreaterOrEqual(time.Since(start), s.config.OpenTimeout/4)

	empty := s.name()
	s.Require().NoError(os.WriteFile(filepath.Join(s.config.Dir, empty), nil, 0600))
	s.config.OpenTimeout = 0
	_, err = OpenWithConfig(empty, s.config)
	s.ErrorIs(err, ErrCorruptHeader)
}

func (s *MemoryTestSuite) TestOpenWaitsForCreator() {
	name := s.name()
	path := filepath.Join(s.config.Dir, name)
	s.Require().NoError(os.WriteFile(path, nil, 0600))
	s.config.OpenTimeout = 2 * time.Second

	// Stand in for a creator that has sized the object but not yet written the header.
	go func() {
		time.Sleep(20 * time.Millisecond)
		mem := make([]byte, 4096)
		if !assert.NoError(s.T(), layout.InitHeader(mem, uint64(len(mem)))) {
			return
		}
		assert.NoError(s.T(), os.WriteFile(path, mem, 0600))
	}()

	m := s.open(name)
	s.Equal(uint64(4096), m.Size())
}

func (s *MemoryTestSuite) TestClose() {
	name := s.name()
	m := s.create(name, 4096)
	buf, err := m.Allocate(8)
	s.Require().NoError(err)

	s.NoError(m.Close())
	s.NoError(m.Close())
	s.NoFileExists(m.Path())

	_, err = m.Allocate(8)
	s.ErrorIs(err, ErrClosed)
	s.ErrorIs(m.Deallocate(buf), ErrClosed)
	_, err = m.Bytes(buf)
	s.ErrorIs(err, ErrClosed)
	_, err = m.Stats()
	s.ErrorIs(err, ErrClosed)
}

func (s *MemoryTestSuite) TestCloseKeepsNameWhenConfigured() {
	s.config.RemoveOnClose = false
	name := s.name()
	m := s.create(name, 4096)
	s.NoError(m.Close())
	s.FileExists(m.Path())

	reopened := s.open(name)
	s.NoError(reopened.Check())
	s.NoError(reopened.Close())
	s.FileExists(m.Path(), "only the creator removes the name")
}

func (s *MemoryTestSuite) TestOpenerOutlivesCreator() {
	name := s.name()
	creator := s.create(name, 4096)
	opener := s.open(name)
	buf, err := creator.Allocate(32)
	s.Require().NoError(err)

	s.NoError(creator.Close())
	b, err := opener.Bytes(buf)
	s.Require().NoError(err)
	s.Len(b, 32)
	s.NoError(opener.Deallocate(buf))
}

func (s *MemoryTestSuite) TestLockTimeout() {
	s.config.LockTimeout = 20 * time.Millisecond
	m := s.create(s.name(), 4096)

	word := layout.LockWord(m.region.Addr)
	atomic.StoreUint32(word, 12345)
	_, err := m.Allocate(8)
	s.ErrorIs(err, ErrLockTimeout)

	atomic.StoreUint32(word, 0)
	_, err = m.Allocate(8)
	s.NoError(err)
}

func (s *MemoryTestSuite) TestConcurrentMappings() {
	name := s.name()
	mems := []*Memory{s.create(name, 1<<16), s.open(name), s.open(name)}

	var wg sync.WaitGroup
	for i, m := range mems {
		wg.Add(1)
		go func(i int, m *Memory) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				buf, err := m.Allocate(uint64(8 + (i+j)%64))
				if !assert.NoError(s.T(), err) {
					return
				}
				b, err := m.Bytes(buf)
				if !assert.NoError(s.T(), err) {
					return
				}
				for k := range b {
					b[k] = byte(i + 1)
				}
				child, err := m.AllocateMore(16, buf)
				if !assert.NoError(s.T(), err) {
					return
				}
				cb, err := m.Bytes(child)
				if !assert.NoError(s.T(), err) {
					return
				}
				for _, v := range b {
					if !assert.Equal(s.T(), byte(i+1), v) {
						return
					}
				}
				for _, v := range cb {
					if !assert.Zero(s.T(), v) {
						return
					}
				}
				assert.NoError(s.T(), m.Deallocate(buf))
			}
		}(i, m)
	}
	wg.Wait()

	st, err := mems[0].Stats()
	s.Require().NoError(err)
	s.Zero(st.LiveBlocks)
	s.NoError(mems[1].Check())
}

func (s *MemoryTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	s.config.Registerer = reg
	m := s.create(s.name(), 4096)

	parent, err := m.Allocate(64)
	s.Require().NoError(err)
	_, err = m.AllocateMore(32, parent)
	s.Require().NoError(err)
	_, err = m.Allocate(0)
	s.ErrorIs(err, ErrInvalidSize)
	s.Require().NoError(m.Deallocate(parent))

	s.Equal(1.0, testutil.ToFloat64(m.metrics.operations.WithLabelValues(opAllocate, "ok")))
	s.Equal(1.0, testutil.ToFloat64(m.metrics.operations.WithLabelValues(opAllocate, "invalid_size")))
	s.Equal(1.0, testutil.ToFloat64(m.metrics.operations.WithLabelValues(opAllocateMore, "ok")))
	s.Equal(2.0, testutil.ToFloat64(m.metrics.freed))

	families, err := reg.Gather()
	s.Require().NoError(err)
	gauges := gaugeValues(families)
	s.Equal(0.0, gauges["shmalloc_region_live_blocks"])
	s.Equal(0.0, gauges["shmalloc_region_used_bytes"])
	s.Greater(gauges["shmalloc_region_free_bytes"], 0.0)

	s.NoError(m.Close())
	families, err = reg.Gather()
	s.Require().NoError(err)
	s.Empty(families)
}

func (s *MemoryTestSuite) TestSecondMappingSharesRegistry() {
	s.config.Registerer = prometheus.NewRegistry()
	name := s.name()
	s.create(name, 4096)
	opener := s.open(name)
	_, err := opener.Allocate(8)
	s.NoError(err)
}

func (s *MemoryTestSuite) TestAuditEvents() {
	var (
		mu     sync.Mutex
		events []string
		last   map[string]interface{}
	)
	s.config.Audit = api.AuditFunc(func(event string, details map[string]interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		last = details
		return nil
	})
	name := s.name()
	m := s.create(name, 4096)

	buf, err := m.Allocate(8)
	s.Require().NoError(err)
	_, err = m.AllocateMore(8, buf)
	s.Require().NoError(err)
	s.Require().NoError(m.Deallocate(buf))
	s.Error(m.Deallocate(buf))

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{opAllocate, opAllocateMore, opDeallocate, opDeallocate}, events)
	s.Equal(name, last["region"])
	s.Contains(last["error"], ErrInvalidBuffer.Error())
}

func (s *MemoryTestSuite) TestOpenedRegistry() {
	name := s.name()
	creator := s.create(name, 4096)
	opener := s.open(name)

	all := Opened()
	s.Contains(all, creator)
	s.Contains(all, opener)

	s.NoError(opener.Close())
	s.NotContains(Opened(), opener)
	s.Contains(Opened(), creator)
}

func (s *MemoryTestSuite) TestWriteRegionDetail() {
	m := s.create(s.name(), 4096)
	parent, err := m.Allocate(8)
	s.Require().NoError(err)
	_, err = m.AllocateMore(8, parent)
	s.Require().NoError(err)

	mem, err := os.ReadFile(m.Path())
	s.Require().NoError(err)
	var out bytes.Buffer
	s.Require().NoError(WriteRegionDetail(&out, mem))
	s.Contains(out.String(), "total:4096")
	s.Contains(out.String(), "state:root")
	s.Contains(out.String(), "state:child")

	s.Error(WriteRegionDetail(&out, make([]byte, 64)))
}

func gaugeValues(families []*dto.MetricFamily) map[string]float64 {
	gauges := map[string]float64{}
	for _, f := range families {
		if f.GetType() != dto.MetricType_GAUGE {
			continue
		}
		for _, m := range f.GetMetric() {
			gauges[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	return gauges
}

func TestMemoryTestSuite(t *testing.T) {
	suite.Run(t, new(MemoryTestSuite))
}

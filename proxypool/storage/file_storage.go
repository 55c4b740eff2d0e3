package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"egress_nexus/internal/shared/logger"
	"egress_nexus/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 14 // Host|Port|Capabilities|Priority|Geo|Working|Anonymity|Source|LastChecked|Attempts|Successes|Failures|ConsecutiveFailures|TotalSuccessMs
)

// Storage 接口定义了资源快照持久化的行为。
type Storage interface {
	Load() ([]*model.Resource, error)
	Save(resources []*model.Resource) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load reads a snapshot. A missing file is an empty snapshot; malformed lines are skipped.
func (fs *FileStorage) Load() ([]*model.Resource, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Snapshot file not found, starting with an empty pool.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []*model.Resource
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in snapshot file.")
			continue
		}

		r, err := parseResource(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse resource from line, skipping.")
			continue
		}
		out = append(out, r)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(out)).Msg("Successfully loaded resources from snapshot.")
	return out, nil
}

// Save writes resources sorted by identity. The file is replaced atomically.
func (fs *FileStorage) Save(resources []*model.Resource) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	list := make([]*model.Resource, len(resources))
	copy(list, resources)
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})

	var sb strings.Builder
	for _, r := range list {
		sb.WriteString(formatResource(r))
		sb.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.filePath), ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), fs.filePath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	l.Info().Int("count", len(list)).Str("path", fs.filePath).Msg("Successfully saved snapshot.")
	return nil
}

func clean(s string) string { return strings.ReplaceAll(s, delimiter, "/") }

func formatResource(r *model.Resource) string {
	var lastChecked int64
	if !r.LastChecked.IsZero() {
		lastChecked = r.LastChecked.Unix()
	}
	return strings.Join([]string{
		r.Host,
		strconv.Itoa(r.Port),
		r.Capabilities.String(),
		strconv.Itoa(r.Priority),
		clean(r.Geo),
		strconv.FormatBool(r.Working),
		string(r.Anonymity),
		clean(r.Source),
		strconv.FormatInt(lastChecked, 10),
		strconv.Itoa(r.Stats.Attempts),
		strconv.Itoa(r.Stats.Successes),
		strconv.Itoa(r.Stats.Failures),
		strconv.Itoa(r.Stats.ConsecutiveFailures),
		strconv.FormatInt(r.Stats.TotalSuccessDuration.Milliseconds(), 10),
	}, delimiter)
}

func parseResource(fields []string) (*model.Resource, error) {
	ints := make([]int64, 0, 8)
	for _, idx := range []int{1, 3, 8, 9, 10, 11, 12, 13} {
		v, err := strconv.ParseInt(fields[idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric field %d: %w", idx, err)
		}
		ints = append(ints, v)
	}
	caps, err := model.ParseCapabilitySet(fields[2])
	if err != nil {
		return nil, err
	}
	if caps.Empty() {
		return nil, fmt.Errorf("resource %s has no capabilities", fields[0])
	}
	working, err := strconv.ParseBool(fields[5])
	if err != nil {
		return nil, fmt.Errorf("invalid working flag: %w", err)
	}

	r := &model.Resource{
		Host:         fields[0],
		Port:         int(ints[0]),
		Capabilities: caps,
		Priority:     int(ints[1]),
		Geo:          fields[4],
		Working:      working,
		Anonymity:    model.Anonymity(fields[6]),
		Source:       fields[7],
		Stats: model.Stats{
			Attempts:             int(ints[3]),
			Successes:            int(ints[4]),
			Failures:             int(ints[5]),
			ConsecutiveFailures:  int(ints[6]),
			TotalSuccessDuration: time.Duration(ints[7]) * time.Millisecond,
		},
	}
	if ints[2] > 0 {
		r.LastChecked = time.Unix(ints[2], 0)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", r.Port)
	}
	if r.Stats.Attempts != r.Stats.Successes+r.Stats.Failures {
		return nil, fmt.Errorf("inconsistent counters for %s", r.ID())
	}
	return r, nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	groupWriter     func() GroupWriter
	backendName     string
	probeIndex      *ProbeIndex // Singleton for the approximate probe index
	backendMu       sync.RWMutex
	errNotConnected = errors.New("group store not initialized")
)

// RegisterGroupStore registers the active group store backend.
// This is called once at startup by the command that opened the backend.
func RegisterGroupStore(name string, writer func() GroupWriter) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendName = name
	groupWriter = writer
}

// ResetGroupStore clears the registered backend and probe index.
func ResetGroupStore() {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendName = ""
	groupWriter = nil
	probeIndex = nil
}

// BackendName returns the name of the registered backend, or "" if none.
func BackendName() string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backendName
}

// GetGroupReader returns a GroupReader from the registered backend.
func GetGroupReader(ctx context.Context) (GroupReader, error) {
	w, err := GetGroupWriter(ctx)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetGroupWriter returns a GroupWriter from the registered backend.
func GetGroupWriter(ctx context.Context) (GroupWriter, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	if groupWriter == nil {
		return nil, fmt.Errorf("%w: STORE_BACKEND must be configured", errNotConnected)
	}
	return groupWriter(), nil
}

// RegisterProbeIndex registers the probe index built at startup.
func RegisterProbeIndex(idx *ProbeIndex) {
	backendMu.Lock()
	defer backendMu.Unlock()
	probeIndex = idx
}

// GetProbeIndex returns the registered probe index, or nil if disabled.
func GetProbeIndex() *ProbeIndex {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return probeIndex
}

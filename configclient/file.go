package configclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/overmindtech/discovery-server/discovery"
	log "github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

const DefaultFilePollInterval = 2 * time.Second

// definitionsFile is the layout of a local definitions file:
//
//	engines:
//	  - qualifiedName: AssetDiscovery
//	    bindings:
//	      - requestType: small-files
//	        connector:
//	          serviceName: Small files
//	          implementation: file-inventory
type definitionsFile struct {
	Engines []discovery.EngineDefinition `yaml:"engines"`
}

// FileClient serves engine definitions from a local YAML file instead of a
// metadata server. It is used for development and for servers that have no
// network access to the metadata server. The file is re-read on every fetch,
// and changes are detected by polling its modification time
type FileClient struct {
	Path         string
	PollInterval time.Duration
}

func NewFileClient(path string) *FileClient {
	return &FileClient{
		Path:         path,
		PollInterval: DefaultFilePollInterval,
	}
}

func (f *FileClient) read() (*definitionsFile, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &discovery.FetchError{Failure: discovery.FetchUnreachable, Err: err}
	}

	var doc definitionsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &discovery.FetchError{Failure: discovery.FetchMalformed, Err: fmt.Errorf("parsing %v: %w", f.Path, err)}
	}

	return &doc, nil
}

func (f *FileClient) FetchEngineDefinition(ctx context.Context, serverName, engineName string) (*discovery.EngineDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, &discovery.FetchError{Failure: discovery.FetchUnreachable, Server: serverName, Engine: engineName, Err: err}
	}

	doc, err := f.read()
	if err != nil {
		var fetchErr *discovery.FetchError
		if errors.As(err, &fetchErr) {
			fetchErr.Server = serverName
			fetchErr.Engine = engineName
		}
		return nil, err
	}

	for i := range doc.Engines {
		if doc.Engines[i].QualifiedName == engineName {
			definition := doc.Engines[i]
			return &definition, nil
		}
	}

	return nil, &discovery.FetchError{Failure: discovery.FetchNotFound, Server: serverName, Engine: engineName}
}

type pollSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pollSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *pollSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe reports a change for every engine in the file each time the file
// is modified. The subscription ends when ctx is cancelled or it is closed
func (f *FileClient) Subscribe(ctx context.Context, serverName string, onChange func(discovery.ChangeEvent)) (discovery.Subscription, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, &discovery.FetchError{Failure: discovery.FetchUnreachable, Server: serverName, Err: err}
	}

	interval := f.PollInterval
	if interval <= 0 {
		interval = DefaultFilePollInterval
	}

	pollCtx, cancel := context.WithCancel(ctx)
	s := &pollSubscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func(lastMod time.Time) {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
			}

			info, err := os.Stat(f.Path)
			if err != nil {
				log.WithError(err).WithField("ovm.discovery.path", f.Path).Warn("Could not stat definitions file")
				continue
			}
			if info.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			doc, err := f.read()
			if err != nil {
				log.WithError(err).WithField("ovm.discovery.path", f.Path).Error("Could not read changed definitions file")
				continue
			}

			now := time.Now()
			for _, e := range doc.Engines {
				onChange(discovery.ChangeEvent{
					Engine:     e.QualifiedName,
					Version:    e.Version,
					ReceivedAt: now,
				})
			}
		}
	}(info.ModTime())

	return s, nil
}

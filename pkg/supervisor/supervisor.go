// Package supervisor wires together the Cache Manager, the Watcher, and
// the selected Backend into one running process, and owns the shutdown
// sequence triggered by a termination signal. It is the only place in the
// module that starts goroutines for the long-lived components; everything
// else is a library called from here or from a test.
package supervisor

import (
	"os"

	"github.com/pkg/errors"

	"github.com/picoCTF/cmgr-artifact-server/pkg/backend"
	"github.com/picoCTF/cmgr-artifact-server/pkg/backend/localhttp"
	"github.com/picoCTF/cmgr-artifact-server/pkg/backend/objectstore"
	"github.com/picoCTF/cmgr-artifact-server/pkg/buildid"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cache"
	"github.com/picoCTF/cmgr-artifact-server/pkg/cmgrerrors"
	"github.com/picoCTF/cmgr-artifact-server/pkg/config"
	"github.com/picoCTF/cmgr-artifact-server/pkg/logging"
	"github.com/picoCTF/cmgr-artifact-server/pkg/watch"
)

// factories maps the two CLI backend names onto their constructors. The
// set is closed, so this is a plain literal rather than a registration
// mechanism.
var factories = map[string]backend.Factory{
	config.BackendSelfHosted: localhttp.New,
	config.BackendS3:         objectstore.New,
}

// Run assembles the Cache Manager, Watcher, and selected Backend from cfg,
// performs startup reconciliation, and runs until terminate receives a
// signal or one of the long-lived components exits on its own. It returns
// nil on clean shutdown and a non-nil error for anything the caller should
// treat as fatal.
func Run(cfg *config.Config, terminate <-chan os.Signal) error {
	logging.RootLogger = logging.NewRoot(cfg.LogLevel)
	logger := logging.RootLogger.Sublogger("supervisor")

	factory, ok := factories[cfg.Backend]
	if !ok {
		return cmgrerrors.NewConfigError(errors.Errorf("unrecognized backend %q", cfg.Backend))
	}
	be, err := factory(cfg.BackendOptions)
	if err != nil {
		return err
	}

	deriver := buildid.New(cfg.Salt)
	manager, err := cache.New(cfg.ArtifactDir, cfg.CacheDir, deriver, logging.RootLogger.Sublogger("cache"))
	if err != nil {
		return err
	}

	logger.Infof("reconciling cache directory %s against artifact directory %s", cfg.CacheDir, cfg.ArtifactDir)
	if err := manager.Sync(); err != nil {
		return err
	}

	bus := watch.NewBus()
	watcher, err := watch.New(cfg.ArtifactDir, manager, deriver, bus, logging.RootLogger.Sublogger("watch"))
	if err != nil {
		return err
	}

	watcherErr := make(chan error, 1)
	go func() {
		watcherErr <- watcher.Run()
	}()

	backendErr := make(chan error, 1)
	go func() {
		backendErr <- be.Run(manager.CacheDir(), bus.Events())
	}()

	logger.Infof("running with backend %q", cfg.Backend)

	select {
	case <-terminate:
		logger.Infof("received termination signal, shutting down")
		if err := watcher.Close(); err != nil {
			logger.Warn(err)
		}
		<-watcherErr
		return <-backendErr

	case err := <-watcherErr:
		// The watcher stopped on its own, either because its OS handle was
		// closed elsewhere or because a fatal error occurred; either way the
		// Bus is now closed and the backend will exit once it drains it.
		backendResult := <-backendErr
		if err != nil {
			return err
		}
		return backendResult

	case err := <-backendErr:
		// The backend terminated first (for example a RemoteError from the
		// object-store preflight). Stop watching so the process doesn't leak
		// a goroutine feeding a bus nobody drains.
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Warn(closeErr)
		}
		<-watcherErr
		return err
	}
}

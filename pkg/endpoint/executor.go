package endpoint

import (
	"sync"

	"github.com/pion/logging"
)

// Executor runs protocol-stage tasks. All mutation of exchanges, the
// exchange store and the matcher tables happens on tasks submitted
// here. The default is single-threaded; a multi-threaded production
// executor is fine because the matcher and exchange keep their own
// locks.
type Executor interface {
	// Execute queues a task. It never blocks the caller on task
	// completion.
	Execute(task func())
}

// defaultQueueSize bounds the serial executor's task queue.
const defaultQueueSize = 256

// SerialExecutor is the default protocol stage: one goroutine draining
// a task queue. Panics inside tasks are recovered and logged; they
// never tear the stage down.
type SerialExecutor struct {
	tasks chan func()
	log   logging.LeveledLogger

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// NewSerialExecutor creates and starts a serial executor.
func NewSerialExecutor(loggerFactory logging.LoggerFactory) *SerialExecutor {
	e := &SerialExecutor{
		tasks:  make(chan func(), defaultQueueSize),
		stopCh: make(chan struct{}),
	}
	if loggerFactory != nil {
		e.log = loggerFactory.NewLogger("protocol-stage")
	}

	e.done.Add(1)
	go e.run()
	return e
}

// Execute queues a task. Tasks submitted after shutdown are dropped
// with a log entry.
func (e *SerialExecutor) Execute(task func()) {
	select {
	case <-e.stopCh:
		if e.log != nil {
			e.log.Warn("dropping task submitted after executor shutdown")
		}
		return
	default:
	}
	select {
	case e.tasks <- task:
	case <-e.stopCh:
		if e.log != nil {
			e.log.Warn("dropping task submitted after executor shutdown")
		}
	}
}

// Shutdown stops the worker. Queued tasks are drained first.
func (e *SerialExecutor) Shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()
	e.done.Wait()
}

// run drains the task queue until shutdown.
func (e *SerialExecutor) run() {
	defer e.done.Done()

	for {
		select {
		case task := <-e.tasks:
			e.invoke(task)
		case <-e.stopCh:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-e.tasks:
					e.invoke(task)
				default:
					return
				}
			}
		}
	}
}

// invoke runs one task, containing panics at the stage boundary.
func (e *SerialExecutor) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			if e.log != nil {
				e.log.Errorf("panic in protocol stage task: %v", r)
			}
		}
	}()
	task()
}

// Verify SerialExecutor implements Executor.
var _ Executor = (*SerialExecutor)(nil)

package task

import (
	"sync"
	"sync/atomic"
	"time"
)

type TaskFunc = func(cancelTask *atomic.Bool)

type TaskHandle struct {
	cancel       atomic.Bool
	taskFinished sync.WaitGroup
}

func Start(taskFunc TaskFunc) *TaskHandle {
	taskHandle := &TaskHandle{
		cancel:       atomic.Bool{},
		taskFinished: sync.WaitGroup{},
	}
	taskHandle.taskFinished.Add(1)
	go func() {
		defer taskHandle.taskFinished.Done()
		taskFunc(&taskHandle.cancel)
	}()
	return taskHandle
}

func (th *TaskHandle) IsCancelled() bool {
	return th.cancel.Load()
}

func (th *TaskHandle) Cancel() {
	th.cancel.Store(true)
}

func (th *TaskHandle) Join() {
	th.taskFinished.Wait()
}

// JoinWithTimeout waits for the task to finish. It reports whether the
// timeout elapsed before the task returned.
func (th *TaskHandle) JoinWithTimeout(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		th.taskFinished.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

// SleepWithCancel sleeps in 250ms slices so a cancelled task wakes up
// promptly. It reports whether the task was cancelled while sleeping.
func SleepWithCancel(cancelTask *atomic.Bool, duration time.Duration) bool {
	const slice = 250 * time.Millisecond
	for remaining := duration; remaining > 0; remaining -= slice {
		if cancelTask.Load() {
			return true
		}
		if remaining < slice {
			time.Sleep(remaining)
		} else {
			time.Sleep(slice)
		}
	}
	return cancelTask.Load()
}

package bus

// Awaitable is anything a task can suspend on. Futures, signal queues and
// tasks all qualify.
type Awaitable interface {
	Done() bool
}

// Yield tells the driver what a step is waiting for.
type Yield struct {
	wait  Awaitable
	retry bool
}

// Next continues with the following step immediately.
var Next = Yield{}

// Await suspends until a is done, then runs the following step.
func Await(a Awaitable) Yield {
	return Yield{wait: a}
}

// Retry suspends until a is done, then runs the same step again.
func Retry(a Awaitable) Yield {
	return Yield{wait: a, retry: a != nil}
}

// Step is one resumable unit of a task.
type Step func() (Yield, error)

// Task is an ordered list of steps run by the connection driver.
type Task struct {
	name  string
	steps []Step
	pc    int
	wait  Awaitable
	done  bool
	err   error
}

func NewTask(name string, steps ...Step) *Task {
	return &Task{name: name, steps: steps}
}

func (t *Task) Name() string { return t.name }

// Done reports whether the task finished, failed or was discarded.
func (t *Task) Done() bool { return t.done }

// Err returns the error that ended the task, if any.
func (t *Task) Err() error { return t.err }

// Blocked reports whether the task is waiting on something unfinished.
func (t *Task) Blocked() bool {
	return t.wait != nil && !t.wait.Done()
}

func (t *Task) finish(err error) {
	t.done = true
	t.err = err
	t.wait = nil
}

// allDone waits for every member.
type allDone []Awaitable

func (a allDone) Done() bool {
	for _, w := range a {
		if !w.Done() {
			return false
		}
	}
	return true
}

// All returns an Awaitable that is done once every a is done.
func All(a ...Awaitable) Awaitable {
	return allDone(a)
}

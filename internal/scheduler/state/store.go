package state

import (
	"sort"
	"sync"
	"time"

	"github.com/friendsincode/actuator/internal/models"
)

// Reservation is one slot in a device timeline together with its owner.
type Reservation struct {
	Slot models.Slot
	Task *models.Task
}

// Index is the schedule: a task registry plus one start-ordered timeline per device.
// It is not safe for concurrent use; access it through Store.
type Index struct {
	tasks   map[string]*models.Task
	devices map[string][]Reservation
}

func newIndex() *Index {
	return &Index{
		tasks:   make(map[string]*models.Task),
		devices: make(map[string][]Reservation),
	}
}

// Task looks up a registered task by ID.
func (ix *Index) Task(taskID string) (*models.Task, bool) {
	t, ok := ix.tasks[taskID]
	return t, ok
}

// Len returns the number of registered tasks.
func (ix *Index) Len() int {
	return len(ix.tasks)
}

// Overlapping returns the reservations on slot.Device that intersect slot.
func (ix *Index) Overlapping(slot models.Slot) []Reservation {
	timeline := ix.devices[slot.Device]
	// Timelines never self-overlap, so ends are ordered like starts.
	i := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Slot.End.After(slot.Start)
	})
	var out []Reservation
	for ; i < len(timeline) && timeline[i].Slot.Start.Before(slot.End); i++ {
		out = append(out, timeline[i])
	}
	return out
}

// Insert registers task and places each of its slots in the device timelines.
func (ix *Index) Insert(task *models.Task) {
	ix.tasks[task.TaskID] = task
	for _, slot := range task.Slots {
		timeline := ix.devices[slot.Device]
		i := sort.Search(len(timeline), func(i int) bool {
			return timeline[i].Slot.Start.After(slot.Start)
		})
		timeline = append(timeline, Reservation{})
		copy(timeline[i+1:], timeline[i:])
		timeline[i] = Reservation{Slot: slot, Task: task}
		ix.devices[slot.Device] = timeline
	}
}

// Remove unregisters a task and drops all of its slots.
func (ix *Index) Remove(taskID string) (*models.Task, bool) {
	task, ok := ix.tasks[taskID]
	if !ok {
		return nil, false
	}
	delete(ix.tasks, taskID)
	for _, slot := range task.Slots {
		timeline := ix.devices[slot.Device]
		filtered := timeline[:0]
		for _, r := range timeline {
			if r.Task.TaskID != taskID {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) == 0 {
			delete(ix.devices, slot.Device)
			continue
		}
		ix.devices[slot.Device] = filtered
	}
	return task, true
}

// ActiveAt returns the reservation covering now on device, if any.
func (ix *Index) ActiveAt(device string, now time.Time) (Reservation, bool) {
	timeline := ix.devices[device]
	i := sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Slot.End.After(now)
	})
	if i < len(timeline) && timeline[i].Slot.Contains(now) {
		return timeline[i], true
	}
	return Reservation{}, false
}

// Active returns every reservation covering now, ordered by device.
func (ix *Index) Active(now time.Time) []Reservation {
	var out []Reservation
	for _, device := range ix.Devices() {
		if r, ok := ix.ActiveAt(device, now); ok {
			out = append(out, r)
		}
	}
	return out
}

// Devices returns the devices with at least one reservation, sorted.
func (ix *Index) Devices() []string {
	out := make([]string, 0, len(ix.devices))
	for d := range ix.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Tasks returns the registered tasks ordered by first start, then task ID.
func (ix *Index) Tasks() []*models.Task {
	out := make([]*models.Task, 0, len(ix.tasks))
	for _, t := range ix.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstStart().Equal(out[j].FirstStart()) {
			return out[i].FirstStart().Before(out[j].FirstStart())
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Store guards the schedule index with a single-writer lock.
type Store struct {
	mu sync.RWMutex
	ix *Index
}

// NewStore creates an empty schedule store.
func NewStore() *Store {
	return &Store{ix: newIndex()}
}

// Update runs fn with exclusive access. Mutations inside fn are seen by readers
// only after fn returns.
func (s *Store) Update(fn func(ix *Index) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.ix)
}

// View runs fn with shared access. fn must not retain or mutate what it reads.
func (s *Store) View(fn func(ix *Index)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.ix)
}

// Snapshot returns copies of all registered tasks.
func (s *Store) Snapshot() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := s.ix.Tasks()
	out := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// Get returns a copy of one task.
func (s *Store) Get(taskID string) (*models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ix.Task(taskID)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

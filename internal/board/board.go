// Package board classifies open tasks into NOW, NEXT and LATER buckets.
// Buckets are computed on every read and never stored.
package board

import (
	"sort"
	"time"

	"carebrain/internal/domain"
)

const (
	DefaultNowWindow  = 30 * time.Minute
	DefaultNextWindow = 2 * time.Hour
)

type Windows struct {
	Now  time.Duration
	Next time.Duration
}

func DefaultWindows() Windows {
	return Windows{Now: DefaultNowWindow, Next: DefaultNextWindow}
}

type Board struct {
	Now   []domain.Task `json:"now"`
	Next  []domain.Task `json:"next"`
	Later []domain.Task `json:"later"`
}

// Bucket places each task by how far its due time is from now: overdue or
// within w.Now goes to Now, within w.Next to Next, the rest to Later.
// Completed tasks are left out. The input slice is not modified.
func Bucket(tasks []domain.Task, now time.Time, w Windows) Board {
	if w.Now <= 0 {
		w.Now = DefaultNowWindow
	}
	if w.Next < w.Now {
		w.Next = DefaultNextWindow
	}
	b := Board{Now: []domain.Task{}, Next: []domain.Task{}, Later: []domain.Task{}}
	for _, t := range tasks {
		if t.State == domain.TaskCompleted {
			continue
		}
		until := t.DueAt.Sub(now)
		switch {
		case until <= w.Now:
			b.Now = append(b.Now, t)
		case until <= w.Next:
			b.Next = append(b.Next, t)
		default:
			b.Later = append(b.Later, t)
		}
	}
	order(b.Now)
	order(b.Next)
	order(b.Later)
	return b
}

func order(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if pa, pb := domain.PriorityRank(a.Priority), domain.PriorityRank(b.Priority); pa != pb {
			return pa > pb
		}
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		return a.ID < b.ID
	})
}

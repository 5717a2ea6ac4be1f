package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fulldump/biff"
)

func TestScheduler(t *testing.T) {

	biff.Alternative("New", func(a *biff.A) {

		s := New("writer", nil)
		defer func() {
			s.Close()
			s.Wait()
		}()

		a.Alternative("Post runs in order", func(a *biff.A) {
			result := []int{}
			done := make(chan struct{})
			for i := 0; i < 100; i++ {
				i := i
				biff.AssertTrue(s.Post(func() {
					result = append(result, i)
					if i == 99 {
						close(done)
					}
				}))
			}
			<-done

			expected := []int{}
			for i := 0; i < 100; i++ {
				expected = append(expected, i)
			}
			biff.AssertEqual(result, expected)
		})

		a.Alternative("Invoke", func(a *biff.A) {
			var inside *Scheduler
			err := s.Invoke(context.Background(), func(ctx context.Context) error {
				inside = FromContext(ctx)
				return nil
			})
			biff.AssertNil(err)
			biff.AssertEqual(inside, s)
			biff.AssertNil(FromContext(context.Background()))
		})

		a.Alternative("Invoke returns error", func(a *biff.A) {
			boom := errors.New("boom")
			err := s.Invoke(context.Background(), func(ctx context.Context) error {
				return boom
			})
			biff.AssertEqual(err, boom)
		})

		a.Alternative("Invoke reentrant", func(a *biff.A) {
			calls := 0
			err := s.Invoke(context.Background(), func(ctx context.Context) error {
				return s.Invoke(ctx, func(ctx context.Context) error {
					calls++
					return nil
				})
			})
			biff.AssertNil(err)
			biff.AssertEqual(calls, 1)
		})

		a.Alternative("Invoke panic", func(a *biff.A) {
			recovered := func() (r any) {
				defer func() {
					r = recover()
				}()
				s.Invoke(context.Background(), func(ctx context.Context) error {
					panic("kaboom")
				})
				return nil
			}()
			biff.AssertEqual(recovered, "kaboom")

			// The scheduler keeps working
			biff.AssertNil(s.Invoke(context.Background(), func(ctx context.Context) error {
				return nil
			}))
		})

		a.Alternative("Invoke cancelled while queued", func(a *biff.A) {
			release := make(chan struct{})
			s.Post(func() {
				<-release
			})

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			ran := false
			err := s.Invoke(ctx, func(ctx context.Context) error {
				ran = true
				return nil
			})
			biff.AssertEqual(err, context.DeadlineExceeded)

			close(release)
			biff.AssertNil(s.Invoke(context.Background(), func(ctx context.Context) error {
				return nil
			}))
			biff.AssertFalse(ran)
		})

		a.Alternative("Closed", func(a *biff.A) {
			s.Close()
			s.Wait()
			biff.AssertFalse(s.Post(func() {}))
			err := s.Invoke(context.Background(), func(ctx context.Context) error {
				return nil
			})
			biff.AssertTrue(errors.Is(err, ErrClosed))
		})
	})
}

func TestSchedulerDrainsOnClose(t *testing.T) {

	s := New("notifier", nil)
	count := 0
	for i := 0; i < 10; i++ {
		s.Post(func() {
			count++
		})
	}
	s.Close()
	s.Wait()

	biff.AssertEqual(count, 10)
}

func TestSchedulerConcurrentPost(t *testing.T) {

	s := New("notifier", nil)

	n := 50
	count := 0
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Invoke(context.Background(), func(ctx context.Context) error {
				count++ // no lock needed, tasks never overlap
				return nil
			})
		}()
	}
	wg.Wait()
	s.Close()
	s.Wait()

	biff.AssertEqual(count, n)
}

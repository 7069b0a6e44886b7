package session_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/lspmux/internal/event"
	"github.com/opencode-ai/lspmux/internal/session"
)

var _ = Describe("Manager", func() {
	const (
		w1 session.WindowID = 1
		w2 session.WindowID = 2
	)

	var m *session.Manager

	BeforeEach(func() {
		m = session.NewManager()
	})

	ready := func(w session.WindowID, config, project string) *fakeClient {
		c := &fakeClient{}
		s, err := m.BeginSession(w, config, project)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.MarkReady(w, config, s.ID, c)).To(Succeed())
		return c
	}

	Describe("starting a session", func() {
		It("makes a started session available once ready", func() {
			s, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.ID).NotTo(BeEmpty())
			Expect(s.State).To(Equal(session.Starting))
			Expect(m.CanStart(w1, "pyls")).To(BeFalse())

			c := &fakeClient{}
			Expect(m.MarkReady(w1, "pyls", s.ID, c)).To(Succeed())
			Expect(m.Lookup(w1, "pyls")).To(BeIdenticalTo(c))
		})

		It("allows one session per window and configuration", func() {
			_, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())

			_, err = m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).To(MatchError(session.ErrSessionExists))

			Expect(m.CanStart(w1, "gopls")).To(BeTrue())
			Expect(m.CanStart(w2, "pyls")).To(BeTrue())
		})

		It("rejects mark ready without a starting entry", func() {
			Expect(m.MarkReady(w1, "pyls", "", &fakeClient{})).To(MatchError(session.ErrNoSession))

			ready(w1, "pyls", "/src/app")
			s, ok := m.Get(w1, "pyls")
			Expect(ok).To(BeTrue())
			Expect(m.MarkReady(w1, "pyls", s.ID, &fakeClient{})).To(MatchError(session.ErrInvalidState))
		})

		It("rejects a nil client", func() {
			s, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.MarkReady(w1, "pyls", s.ID, nil)).To(MatchError(session.ErrInvalidState))
			Expect(m.Lookup(w1, "pyls")).To(BeNil())
		})

		It("removes an aborted start", func() {
			s, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())

			m.Abort(w1, "pyls", s.ID)
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("does not abort a ready session", func() {
			ready(w1, "pyls", "/src/app")
			s, ok := m.Get(w1, "pyls")
			Expect(ok).To(BeTrue())
			m.Abort(w1, "pyls", s.ID)
			Expect(m.Lookup(w1, "pyls")).NotTo(BeNil())
		})

		It("leaves a restarted entry alone when the stale start fails", func() {
			stale, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())
			m.Stop(w1, "pyls")
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())

			current, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())
			Expect(current.ID).NotTo(Equal(stale.ID))

			m.Abort(w1, "pyls", stale.ID)
			s, ok := m.Get(w1, "pyls")
			Expect(ok).To(BeTrue())
			Expect(s.ID).To(Equal(current.ID))
			Expect(s.State).To(Equal(session.Starting))

			Expect(m.MarkReady(w1, "pyls", stale.ID, &fakeClient{})).To(MatchError(session.ErrInvalidState))
			Expect(m.Lookup(w1, "pyls")).To(BeNil())

			c := &fakeClient{}
			Expect(m.MarkReady(w1, "pyls", current.ID, c)).To(Succeed())
			Expect(m.Lookup(w1, "pyls")).To(BeIdenticalTo(c))
		})
	})

	Describe("Lookup", func() {
		It("returns nothing unless ready", func() {
			Expect(m.Lookup(w1, "pyls")).To(BeNil())

			_, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Lookup(w1, "pyls")).To(BeNil())

			s, _ := m.Get(w1, "pyls")
			Expect(m.MarkReady(w1, "pyls", s.ID, &fakeClient{})).To(Succeed())
			Expect(m.Lookup(w1, "pyls")).NotTo(BeNil())

			m.Stop(w1, "pyls")
			Expect(m.Lookup(w1, "pyls")).To(BeNil())
		})
	})

	Describe("Stop", func() {
		It("is stopping before the shutdown is answered", func() {
			c := ready(w1, "pyls", "/src/app")

			m.Stop(w1, "pyls")

			s, ok := m.Get(w1, "pyls")
			Expect(ok).To(BeTrue())
			Expect(s.State).To(Equal(session.Stopping))
			Expect(c.shutdowns()).To(Equal(1))
			Expect(c.exitCount()).To(Equal(0))
			Expect(m.CanStart(w1, "pyls")).To(BeFalse())

			c.respond()

			Expect(c.exitCount()).To(Equal(1))
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("sends shutdown and exit once when called twice", func() {
			c := ready(w1, "pyls", "/src/app")

			m.Stop(w1, "pyls")
			m.Stop(w1, "pyls")
			c.respond()
			m.Stop(w1, "pyls")

			Expect(c.shutdowns()).To(Equal(1))
			Expect(c.exitCount()).To(Equal(1))
		})

		It("removes the session when the server answers with an error", func() {
			c := ready(w1, "pyls", "/src/app")

			m.Stop(w1, "pyls")
			c.respondError("not now")

			Expect(c.exitCount()).To(Equal(1))
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("removes the session when shutdown cannot be sent", func() {
			c := ready(w1, "pyls", "/src/app")
			c.sendErr = errBrokenPipe

			m.Stop(w1, "pyls")

			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("removes a starting session at once", func() {
			_, err := m.BeginSession(w1, "pyls", "/src/app")
			Expect(err).NotTo(HaveOccurred())

			m.Stop(w1, "pyls")
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("does nothing for a missing session", func() {
			m.Stop(w1, "pyls")
			Expect(m.Sessions()).To(BeEmpty())
		})
	})

	Describe("all unloaded hook", func() {
		It("fires once when the last session of a window goes", func() {
			var unloaded []session.WindowID
			m.OnAllUnloaded(func(w session.WindowID) {
				unloaded = append(unloaded, w)
			})

			a := ready(w1, "pyls", "/src/app")
			b := ready(w1, "gopls", "/src/app")

			m.Stop(w1, "pyls")
			a.respond()
			Expect(unloaded).To(BeEmpty())

			m.Stop(w1, "gopls")
			b.respond()
			m.Stop(w1, "gopls")
			Expect(unloaded).To(Equal([]session.WindowID{w1}))
		})
	})

	Describe("HandleCrash", func() {
		It("removes the session bound to the crashed client", func() {
			c := ready(w1, "pyls", "/src/app")

			m.HandleCrash(w1, "pyls", c)
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
			Expect(c.exitCount()).To(Equal(0))
		})

		It("ignores a crash of a replaced client", func() {
			old := &fakeClient{}
			ready(w1, "pyls", "/src/app")

			m.HandleCrash(w1, "pyls", old)
			Expect(m.Lookup(w1, "pyls")).NotTo(BeNil())
		})

		It("removes a session that was stopping", func() {
			c := ready(w1, "pyls", "/src/app")
			m.Stop(w1, "pyls")

			m.HandleCrash(w1, "pyls", c)
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})
	})

	Describe("ReconcileClosedWindows", func() {
		It("stops the sessions of closed windows only", func() {
			c1 := ready(w1, "pyls", "/src/app")
			c2 := ready(w2, "pyls", "/src/app")
			c1.autoRespond = true

			m.ReconcileClosedWindows([]session.WindowID{w2})

			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
			Expect(m.Lookup(w2, "pyls")).To(BeIdenticalTo(c2))
			Expect(c2.shutdowns()).To(Equal(0))
		})

		It("stops every state of a closed window", func() {
			c := ready(w1, "pyls", "/src/app")
			_, err := m.BeginSession(w1, "gopls", "/src/app")
			Expect(err).NotTo(HaveOccurred())

			m.ReconcileClosedWindows(nil)

			Expect(m.CanStart(w1, "gopls")).To(BeTrue())
			s, ok := m.Get(w1, "pyls")
			Expect(ok).To(BeTrue())
			Expect(s.State).To(Equal(session.Stopping))

			c.respond()
			Expect(m.Window(w1)).To(BeEmpty())
		})

		It("is idempotent", func() {
			c := ready(w1, "pyls", "/src/app")

			m.ReconcileClosedWindows(nil)
			m.ReconcileClosedWindows(nil)

			Expect(c.shutdowns()).To(Equal(1))
			c.respond()
			m.ReconcileClosedWindows(nil)
			Expect(c.exitCount()).To(Equal(1))
		})

		It("tolerates concurrent sweeps and stops", func() {
			c := ready(w1, "pyls", "/src/app")
			c.autoRespond = true

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					m.ReconcileClosedWindows(nil)
				}()
				go func() {
					defer wg.Done()
					m.Stop(w1, "pyls")
				}()
			}
			wg.Wait()

			Expect(c.shutdowns()).To(Equal(1))
			Expect(c.exitCount()).To(Equal(1))
			Expect(m.Sessions()).To(BeEmpty())
		})
	})

	Describe("ReconcileProjectChange", func() {
		It("stops ready sessions bound to another project", func() {
			stale := ready(w1, "pyls", "/src/old")
			current := ready(w1, "gopls", "/src/new/")
			_, err := m.BeginSession(w1, "tsserver", "/src/old")
			Expect(err).NotTo(HaveOccurred())

			m.ReconcileProjectChange(w1, "/src/new")

			Expect(stale.shutdowns()).To(Equal(1))
			Expect(current.shutdowns()).To(Equal(0))
			s, ok := m.Get(w1, "tsserver")
			Expect(ok).To(BeTrue())
			Expect(s.State).To(Equal(session.Starting))
		})

		It("leaves other windows alone", func() {
			other := ready(w2, "pyls", "/src/old")
			m.ReconcileProjectChange(w1, "/src/new")
			Expect(other.shutdowns()).To(Equal(0))
		})
	})

	Describe("bulk stops", func() {
		It("stops one configuration everywhere", func() {
			a := ready(w1, "pyls", "/src/app")
			b := ready(w2, "pyls", "/src/app")
			g := ready(w1, "gopls", "/src/app")

			m.StopConfig("pyls")

			Expect(a.shutdowns()).To(Equal(1))
			Expect(b.shutdowns()).To(Equal(1))
			Expect(g.shutdowns()).To(Equal(0))
		})

		It("unloads sessions in every state", func() {
			c := ready(w1, "pyls", "/src/app")
			_, err := m.BeginSession(w2, "gopls", "/src/app")
			Expect(err).NotTo(HaveOccurred())

			m.UnloadAll()

			Expect(c.shutdowns()).To(Equal(1))
			Expect(m.CanStart(w2, "gopls")).To(BeTrue())
		})

		It("waits for every session on shutdown", func() {
			c := ready(w1, "pyls", "/src/app")
			go func() {
				time.Sleep(20 * time.Millisecond)
				c.respond()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(m.Shutdown(ctx)).To(Succeed())
			Expect(m.Sessions()).To(BeEmpty())
		})

		It("gives up when a server never answers", func() {
			ready(w1, "pyls", "/src/app")

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(m.Shutdown(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("WaitRemoved", func() {
		It("returns once the entry is gone", func() {
			c := ready(w1, "pyls", "/src/app")
			m.Stop(w1, "pyls")
			go func() {
				time.Sleep(20 * time.Millisecond)
				c.respond()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(m.WaitRemoved(ctx, w1, "pyls")).To(Succeed())
			Expect(m.CanStart(w1, "pyls")).To(BeTrue())
		})

		It("returns at once for a missing entry", func() {
			Expect(m.WaitRemoved(context.Background(), w2, "gopls")).To(Succeed())
		})

		It("honours the context", func() {
			ready(w1, "pyls", "/src/app")
			m.Stop(w1, "pyls")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			Expect(m.WaitRemoved(ctx, w1, "pyls")).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("snapshots", func() {
		It("orders sessions by window and configuration", func() {
			ready(w2, "pyls", "/src/app")
			ready(w1, "pyls", "/src/app")
			ready(w1, "gopls", "/src/app")

			var got []string
			for _, s := range m.Sessions() {
				got = append(got, s.Config)
			}
			Expect(got).To(Equal([]string{"gopls", "pyls", "pyls"}))
			Expect(m.Sessions()[2].Window).To(Equal(w2))
		})
	})

	Describe("events", func() {
		It("publishes the lifecycle on the bus", func() {
			bus := event.NewBus()
			defer bus.Close()

			var mu sync.Mutex
			var types []event.EventType
			bus.SubscribeAll(func(e event.Event) {
				mu.Lock()
				types = append(types, e.Type)
				mu.Unlock()
			})
			seen := func() []event.EventType {
				mu.Lock()
				defer mu.Unlock()
				return append([]event.EventType(nil), types...)
			}

			m = session.NewManager(session.WithBus(bus))
			c := ready(w1, "pyls", "/src/app")
			m.Stop(w1, "pyls")
			c.respond()

			Eventually(seen).Should(ConsistOf(
				event.SessionStarting,
				event.SessionReady,
				event.SessionStopping,
				event.SessionRemoved,
				event.WindowUnloaded,
			))
		})
	})
})

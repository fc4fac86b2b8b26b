package tidemark_test

import (
	"encoding/json"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-tidemark/pkg/tidemark"
)

func event(eventType, payload string) tidemark.InputEvent {
	return tidemark.NewInputEvent(eventType, []byte(payload), nil)
}

var _ = Describe("EventStore", func() {
	BeforeEach(func() {
		Expect(truncateEventsTable(ctx, pool)).To(Succeed())
	})

	Describe("Migrate", func() {
		It("is idempotent across store instances", func() {
			for i := 0; i < 3; i++ {
				fresh, err := tidemark.NewEventStore(ctx, pool)
				Expect(err).NotTo(HaveOccurred())
				Expect(fresh.Migrate(ctx)).To(Succeed())
			}

			filter := tidemark.MustNewFilter([]string{"A"})
			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{}`)), tidemark.Expect(0))).To(Succeed())
		})
	})

	Describe("Append then read", func() {
		It("returns the appended event with its assigned sequence and timestamp", func() {
			filter := tidemark.MustNewFilter([]string{"A"})

			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{"n": 1}`)), tidemark.Expect(0))).To(Succeed())

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(1))
			Expect(result.Events[0].SequenceNumber).To(Equal(int64(1)))
			Expect(result.Events[0].EventType).To(Equal("A"))
			Expect(result.Events[0].Payload).To(MatchJSON(`{"n": 1}`))
			Expect(result.Events[0].Metadata).To(MatchJSON(`{}`))
			Expect(result.Events[0].OccurredAt.IsZero()).To(BeFalse())
			Expect(result.MaxSequenceNumber).To(Equal(int64(1)))
		})

		It("persists caller metadata", func() {
			filter := tidemark.MustNewFilter([]string{"A"})
			input := tidemark.NewInputEvent("A", []byte(`{}`), []byte(`{"correlation_id": "c-1"}`))

			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(input), nil)).To(Succeed())

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events[0].Metadata).To(MatchJSON(`{"correlation_id": "c-1"}`))
		})
	})

	Describe("Stale expectation", func() {
		It("rejects the append and leaves the log unchanged", func() {
			filter := tidemark.MustNewFilter([]string{"A"})
			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{"n": 1}`)), tidemark.Expect(0))).To(Succeed())

			err := store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{"n": 2}`)), tidemark.Expect(0))
			Expect(tidemark.IsConcurrencyError(err)).To(BeTrue())

			conflict, ok := tidemark.AsConcurrencyError(err)
			Expect(ok).To(BeTrue())
			Expect(conflict.ExpectedSequence).To(Equal(int64(0)))
			Expect(conflict.ActualSequence).To(Equal(int64(1)))

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(1))
			Expect(result.Events[0].Payload).To(MatchJSON(`{"n": 1}`))
		})
	})

	Describe("Payload disjunction", func() {
		It("returns exactly the predicated events in sequence order", func() {
			all := tidemark.MustNewFilter([]string{"T"})
			for n := 1; n <= 3; n++ {
				Expect(store.Append(ctx, all, tidemark.NewEventBatch(event("T", fmt.Sprintf(`{"x": %d}`, n))), nil)).To(Succeed())
			}

			filter := tidemark.MustNewFilter([]string{"T"},
				tidemark.Predicate{"x": 1},
				tidemark.Predicate{"x": 3},
			)
			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(2))
			Expect(result.Events[0].Payload).To(MatchJSON(`{"x": 1}`))
			Expect(result.Events[1].Payload).To(MatchJSON(`{"x": 3}`))
			Expect(result.MaxSequenceNumber).To(Equal(result.Events[1].SequenceNumber))
		})
	})

	Describe("Subset containment", func() {
		It("matches nested objects recursively", func() {
			all := tidemark.MustNewFilter([]string{"T"})
			Expect(store.Append(ctx, all, tidemark.NewEventBatch(event("T", `{"a": 1, "b": {"c": 2}}`)), nil)).To(Succeed())

			hit, err := store.Query(ctx, tidemark.MustNewFilter([]string{"T"}, tidemark.Predicate{"b": map[string]any{"c": 2}}))
			Expect(err).NotTo(HaveOccurred())
			Expect(hit.Events).To(HaveLen(1))

			miss, err := store.Query(ctx, tidemark.MustNewFilter([]string{"T"}, tidemark.Predicate{"b": map[string]any{"c": 3}}))
			Expect(err).NotTo(HaveOccurred())
			Expect(miss.Events).To(BeEmpty())
			Expect(miss.MaxSequenceNumber).To(Equal(int64(0)))
		})
	})

	Describe("Atomic batch", func() {
		It("inserts every event in caller order or none at all", func() {
			filter := tidemark.MustNewFilter([]string{"A", "B"})

			batch := tidemark.NewEventBatch(
				event("A", `{"i": 0}`),
				event("B", `{"i": 1}`),
				event("A", `{"i": 2}`),
			)
			Expect(store.Append(ctx, filter, batch, tidemark.Expect(0))).To(Succeed())

			// A stale batch inserts nothing.
			err := store.Append(ctx, filter, batch, tidemark.Expect(0))
			Expect(tidemark.IsConcurrencyError(err)).To(BeTrue())

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(3))
			for i, e := range result.Events {
				var payload struct {
					I int `json:"i"`
				}
				Expect(json.Unmarshal(e.Payload, &payload)).To(Succeed())
				Expect(payload.I).To(Equal(i))
				if i > 0 {
					Expect(e.SequenceNumber).To(BeNumerically(">", result.Events[i-1].SequenceNumber))
				}
			}
		})
	})

	Describe("Concurrent losers", func() {
		It("lets at most one of two racing appends succeed", func() {
			filter := tidemark.MustNewFilter([]string{"A"}, tidemark.Predicate{"k": "race"})
			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{"k": "race", "n": 0}`)), tidemark.Expect(0))).To(Succeed())

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			expected := result.MaxSequenceNumber

			var wg sync.WaitGroup
			outcomes := make([]error, 2)
			for i := range outcomes {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					outcomes[i] = store.Append(ctx, filter,
						tidemark.NewEventBatch(event("A", fmt.Sprintf(`{"k": "race", "writer": %d}`, i))),
						tidemark.Expect(expected))
				}(i)
			}
			wg.Wait()

			winners, losers := 0, 0
			for _, err := range outcomes {
				switch {
				case err == nil:
					winners++
				case tidemark.IsConcurrencyError(err):
					losers++
				default:
					Fail(fmt.Sprintf("unexpected append outcome: %v", err))
				}
			}
			Expect(winners).To(Equal(1))
			Expect(losers).To(Equal(1))

			after, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.Events).To(HaveLen(2))
			Expect(after.MaxSequenceNumber).To(BeNumerically(">", expected))
		})
	})

	Describe("Empty batch as barrier", func() {
		It("performs the check without inserting", func() {
			filter := tidemark.MustNewFilter([]string{"A"})
			Expect(store.Append(ctx, filter, tidemark.NewEventBatch(event("A", `{}`)), nil)).To(Succeed())

			Expect(store.Append(ctx, filter, nil, tidemark.Expect(1))).To(Succeed())

			err := store.Append(ctx, filter, nil, tidemark.Expect(0))
			Expect(tidemark.IsConcurrencyError(err)).To(BeTrue())

			result, err := store.Query(ctx, filter)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Events).To(HaveLen(1))
		})
	})

	Describe("Cross-filter independence", func() {
		It("serialises appends per filter scope only", func() {
			alpha := tidemark.MustNewFilter([]string{"T"}, tidemark.Predicate{"stream": "alpha"})
			beta := tidemark.MustNewFilter([]string{"T"}, tidemark.Predicate{"stream": "beta"})

			Expect(store.Append(ctx, alpha, tidemark.NewEventBatch(event("T", `{"stream": "alpha"}`)), tidemark.Expect(0))).To(Succeed())
			// Beta's scope is untouched by alpha's append.
			Expect(store.Append(ctx, beta, tidemark.NewEventBatch(event("T", `{"stream": "beta"}`)), tidemark.Expect(0))).To(Succeed())

			betaView, err := store.Query(ctx, beta)
			Expect(err).NotTo(HaveOccurred())
			Expect(betaView.Events).To(HaveLen(1))
			Expect(betaView.Events[0].Payload).To(MatchJSON(`{"stream": "beta"}`))
		})
	})

	Describe("Validation at the backend boundary", func() {
		It("rejects a blank event type before reaching the database", func() {
			filter := tidemark.MustNewFilter([]string{"A"})
			err := store.Append(ctx, filter, tidemark.NewEventBatch(event("", `{}`)), nil)
			Expect(tidemark.IsValidationError(err)).To(BeTrue())
		})

		It("rejects the zero filter", func() {
			_, err := store.Query(ctx, tidemark.Filter{})
			Expect(tidemark.IsValidationError(err)).To(BeTrue())
		})
	})
})

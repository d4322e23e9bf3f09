// Package events defines download states and the bus that broadcasts them.
//
// Every status transition of a download attempt is published as a State.
// Observers subscribe either to all models or to a single model:
//
//	bus := events.NewBus()
//	sub := bus.ProgressFor("gemma-2b-it")
//	defer sub.Close()
//
//	for st := range sub.C() {
//	    fmt.Println(st.Status, st.Percent())
//	    if st.Status.IsTerminal() {
//	        break
//	    }
//	}
//
// A subscriber that falls behind loses intermediate downloading updates.
// Other states wait for room up to the bus send timeout; a subscriber that
// stops reading altogether is evicted and its channel closed.
package events

package node

// Subscription receives receipts of applied transactions. Slow subscribers
// lose receipts rather than stall the node.
type Subscription struct {
	id uint64
	ch chan Receipt
	n  *Node
}

// C returns the receipt channel. It is closed when the subscription or the
// node is closed.
func (s *Subscription) C() <-chan Receipt {
	return s.ch
}

// Close ends the subscription.
func (s *Subscription) Close() {
	n := s.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[s.id]; !ok {
		return
	}
	delete(n.subs, s.id)
	close(s.ch)
	n.metrics.Subscribers.Set(int64(len(n.subs)))
}

// Subscribe registers a new subscriber. It returns ErrClosed after Close.
func (n *Node) Subscribe() (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	n.nextSub++
	s := &Subscription{id: n.nextSub, ch: make(chan Receipt, n.buffer), n: n}
	n.subs[s.id] = s
	n.metrics.Subscribers.Set(int64(len(n.subs)))
	return s, nil
}

func (n *Node) publish(r Receipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		select {
		case s.ch <- r:
			n.metrics.EventsPublished.Inc()
		default:
			n.metrics.EventsDropped.Inc()
			n.log.Warn("event dropped", "subscriber", s.id, "slot", r.Slot)
		}
	}
}

package events

// Fanout publishes to every non-nil broadcaster in order.
type Fanout []Broadcaster

var _ Broadcaster = Fanout(nil)

func (f Fanout) Publish(topic string, data any) {
	for _, b := range f {
		if b != nil {
			b.Publish(topic, data)
		}
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(string, any) {}

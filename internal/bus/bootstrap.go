package bus

import (
	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
	"github.com/danmuck/sigbus/internal/services"
)

// ownerQueueCapacity keeps unrelated NameOwnerChanged traffic from evicting
// the event the bootstrap waits for.
const ownerQueueCapacity = 16

// bootstrap registers the session, waits for the target service to own its
// bus name, resolves its unique owner and, with Obey set, subscribes to the
// target member.
func (c *Conn) bootstrap() *Task {
	target := c.cfg.Target
	var (
		hello, hasOwner, owner, match *router.Future
		owners                        *router.Handle
	)
	return NewTask("bootstrap",
		func() (Yield, error) {
			f, err := c.Call(services.Hello())
			hello = f
			return Await(f), err
		},
		func() (Yield, error) {
			name, err := replyString(hello)
			if err != nil {
				return Next, err
			}
			c.uniqueName = name
			c.setState(StateSessionOpen)
			c.log.Info().Str("unique_name", name).Msg("session_open")
			f, err := c.Call(services.NameHasOwner(target.BusName))
			hasOwner = f
			return Await(f), err
		},
		func() (Yield, error) {
			msg, err := hasOwner.Result()
			if err != nil {
				return Next, err
			}
			owned, err := services.ReplyBool(msg)
			if err != nil || owned {
				return Next, err
			}
			c.log.Info().Str("service", target.BusName).Msg("waiting_for_service")
			h, _, err := c.SubscribeQueue(services.NameOwnerChangedRule(), ownerQueueCapacity)
			owners = h
			return Next, err
		},
		func() (Yield, error) {
			if owners == nil {
				return Next, nil
			}
			q := owners.Queue()
			for {
				msg, ok := q.Pop()
				if !ok {
					return Retry(q), nil
				}
				change, err := services.ParseOwnerChange(msg)
				if err != nil {
					c.log.Warn().Err(err).Msg("bad_owner_change")
					continue
				}
				if change.Name == target.BusName && change.NewOwner != "" {
					break
				}
			}
			_, err := c.Unsubscribe(owners)
			owners = nil
			return Next, err
		},
		func() (Yield, error) {
			f, err := c.Call(services.GetNameOwner(target.BusName))
			owner = f
			return Await(f), err
		},
		func() (Yield, error) {
			name, err := replyString(owner)
			if err != nil {
				return Next, err
			}
			c.targetOwner = name
			c.setState(StateServiceResolved)
			c.log.Info().Str("service", target.BusName).Str("owner", name).Msg("service_resolved")
			if !c.cfg.Obey {
				return Next, nil
			}
			_, f, err := c.Subscribe(target.Rule(name, c.cfg.Member), c.deliver)
			match = f
			return Await(f), err
		},
		func() (Yield, error) {
			if match == nil {
				return Next, nil
			}
			if err := match.Err(); err != nil {
				return Next, err
			}
			c.log.Info().Str("member", c.cfg.Member).Msg("subscribed")
			return Next, nil
		},
	)
}

func replyString(f *router.Future) (string, error) {
	msg, err := f.Result()
	if err != nil {
		return "", err
	}
	return services.ReplyString(msg)
}

// deliver hands a matched target signal to the host. A panicking handler
// is logged and does not reach the driver.
func (c *Conn) deliver(msg *wire.Message) {
	if c.cfg.OnSignal == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("member", msg.Member()).Msg("signal_handler_panic")
		}
	}()
	c.cfg.OnSignal(msg.Body)
}

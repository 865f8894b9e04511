// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"saga-platform/internal/saga"
	pkgerrors "saga-platform/pkg/errors"
)

// PulseOptions Pulse 总线配置。
type PulseOptions struct {
	// Stream 流名称，默认 nervous-system:updates。
	Stream string
	// MaxLen 流长度上限，超出后旧事件被裁剪。
	MaxLen int
}

// Pulse 基于 goa.design/pulse（Redis Streams）的总线实现。
// 单一事件流承载全部执行事件，事件名即 saga 事件类型。
type Pulse struct {
	stream *streaming.Stream
}

// NewPulse 在给定 Redis 连接上打开事件流。
func NewPulse(rdb *redis.Client, opts PulseOptions) (*Pulse, error) {
	name := opts.Stream
	if name == "" {
		name = "nervous-system:updates"
	}
	var streamOptions []streamopts.Stream
	if opts.MaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.MaxLen))
	}
	stream, err := streaming.NewStream(name, rdb, streamOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open pulse stream")
	}
	return &Pulse{stream: stream}, nil
}

func (p *Pulse) Publish(ctx context.Context, ev saga.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal event")
	}
	if _, err := p.stream.Add(ctx, string(ev.EventType), payload); err != nil {
		return pkgerrors.Wrap(err, "publish event")
	}
	countPublish(ev)
	return nil
}

func (p *Pulse) Subscribe(ctx context.Context, sinkName string) (<-chan Delivery, error) {
	sink, err := p.stream.NewSink(ctx, sinkName)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create pulse sink")
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer sink.Close(context.Background())
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sink.Subscribe():
				if !ok {
					return
				}
				var ev saga.Event
				if err := json.Unmarshal(evt.Payload, &ev); err != nil {
					// 坏载荷直接确认丢弃，避免重投风暴
					_ = sink.Ack(ctx, evt)
					continue
				}
				d := Delivery{
					Event: ev,
					Ack: func(ctx context.Context) error {
						return sink.Ack(ctx, evt)
					},
				}
				select {
				case <-ctx.Done():
					return
				case out <- d:
				}
			}
		}
	}()
	return out, nil
}

func (p *Pulse) Close(ctx context.Context) error {
	// 流本身常驻 Redis；连接生命周期归调用方管理
	return nil
}

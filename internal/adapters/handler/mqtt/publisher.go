package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"eca.monitor/internal/core/ports"
)

// Publisher bridges the progress pub/sub onto MQTT topics for dashboards
// and shop-floor displays.
type Publisher struct {
	client mqtt.Client
	sink   ports.ProgressSink
	prefix string
}

// NewPublisher initializes the MQTT publisher
func NewPublisher(sink ports.ProgressSink, brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("ecamon-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	log.Printf("Connected to MQTT Broker: %s", brokerURL)
	return &Publisher{
		client: client,
		sink:   sink,
		prefix: "ecamon",
	}, nil
}

// Start consumers
func (p *Publisher) Start(ctx context.Context) {
	go p.consumeProgress(ctx)
	go p.consumeRunEvents(ctx)
}

func (p *Publisher) consumeProgress(ctx context.Context) {
	ch, err := p.sink.SubscribeProgress(ctx, "")
	if err != nil {
		log.Printf("Failed to subscribe to progress events: %v", err)
		return
	}

	log.Println("MQTT: Started progress consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Topic: ecamon/progress/{job_id}
			topic := fmt.Sprintf("%s/progress/%s", p.prefix, ev.JobID)
			payload, _ := json.Marshal(ev)
			p.client.Publish(topic, 0, false, payload)
		}
	}
}

func (p *Publisher) consumeRunEvents(ctx context.Context) {
	ch, err := p.sink.SubscribeRunEvents(ctx)
	if err != nil {
		log.Printf("Failed to subscribe to run events: %v", err)
		return
	}

	log.Println("MQTT: Started run event consumer")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}

			event := map[string]interface{}{
				"type":    "run_finished",
				"payload": ev,
			}
			data, _ := json.Marshal(event)

			// Terminal outcome goes to the job topic and, retained, to
			// the global events topic so late subscribers see the last
			// finished run.
			topic := fmt.Sprintf("%s/run/%s", p.prefix, ev.JobID)
			p.client.Publish(topic, 0, false, data)
			p.client.Publish(fmt.Sprintf("%s/events", p.prefix), 0, true, data)
		}
	}
}

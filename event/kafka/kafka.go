// Copyright 2024 The solsight Authors
// This file is part of the solsight library.
//
// The solsight library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solsight library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solsight library. If not, see <http://www.gnu.org/licenses/>.

// Package kafka exports terminal job events to Kafka topics so external
// consumers (billing, notification pipelines) can react to finished
// analyses without polling the job store.
package kafka

import (
	"encoding/json"
	"time"

	"github.com/Shopify/sarama"

	"github.com/solsight/solsight/event"
	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Event)

const (
	DefaultReplicas   = 1
	DefaultPartitions = 1
)

type Config struct {
	SaramaConfig *sarama.Config // kafka client configurations.
	Brokers      []string       // Brokers is a list of broker URLs.
	TopicPrefix  string
	Partitions   int32 // Partitions is the number of partitions of a topic.
	Replicas     int16 // Replicas is a replication factor of kafka settings.
}

func GetDefaultConfig() *Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	config.Version = sarama.MaxVersion
	return &Config{
		SaramaConfig: config,
		TopicPrefix:  "solsight",
		Partitions:   DefaultPartitions,
		Replicas:     DefaultReplicas,
	}
}

// Exporter is an event.Sink that forwards terminal events to Kafka with
// an async producer; progress events are not exported.
type Exporter struct {
	producer sarama.AsyncProducer
	admin    sarama.ClusterAdmin
	config   *Config
	topics   map[string]struct{}
}

func NewExporter(config *Config) (*Exporter, error) {
	producer, err := sarama.NewAsyncProducer(config.Brokers, config.SaramaConfig)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdmin(config.Brokers, config.SaramaConfig)
	if err != nil {
		producer.Close()
		return nil, err
	}
	e := &Exporter{
		producer: producer,
		admin:    admin,
		config:   config,
		topics:   make(map[string]struct{}),
	}
	go e.drainErrors()
	logger.Info("kafka event exporter is started", "brokers", config.Brokers, "topicPrefix", config.TopicPrefix)
	return e, nil
}

func (e *Exporter) drainErrors() {
	for perr := range e.producer.Errors() {
		logger.Warn("kafka produce failed", "topic", perr.Msg.Topic, "err", perr.Err)
	}
}

func (e *Exporter) ensureTopic(topic string) {
	if _, ok := e.topics[topic]; ok {
		return
	}
	err := e.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     e.config.Partitions,
		ReplicationFactor: e.config.Replicas,
	}, false)
	if err != nil && err != sarama.ErrTopicAlreadyExists {
		logger.Warn("creating kafka topic", "topic", topic, "err", err)
	}
	e.topics[topic] = struct{}{}
}

// Deliver implements event.Sink.
func (e *Exporter) Deliver(ev event.Event) {
	if !ev.Terminal() {
		return
	}
	topic := e.config.TopicPrefix + "-" + ev.Queue
	e.ensureTopic(topic)
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshaling event for kafka", "jobId", ev.JobID, "err", err)
		return
	}
	e.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(data),
	}
}

func (e *Exporter) Close() {
	e.producer.AsyncClose()
	_ = e.admin.Close()
}

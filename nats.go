package cbt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSReporter publishes the progress and outcome of a run.
type NATSReporter struct {
	log  hclog.Logger
	id   string
	conn *nats.Conn
}

func NewNATSReporter(log hclog.Logger, url, id string) (*NATSReporter, error) {
	conn, err := nats.Connect(url, nats.Name("cbt-"+id))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", url)
	}

	return &NATSReporter{
		log:  log.Named("nats"),
		id:   id,
		conn: conn,
	}, nil
}

func (n *NATSReporter) Close() error {
	if err := n.conn.Flush(); err != nil {
		n.log.Error("error flushing nats connection", "error", err)
	}

	n.conn.Close()

	return nil
}

func (n *NATSReporter) subj(which string) string {
	return fmt.Sprintf("cbt.run.%s.%s", n.id, which)
}

type ProgressMessage struct {
	Id          string    `json:"id" cbor:"1,keyasint"`
	PublishTime time.Time `json:"published_at" cbor:"2,keyasint"`
	Done        int       `json:"done" cbor:"3,keyasint"`
	Total       int       `json:"total" cbor:"4,keyasint"`
}

// Progress has the signature of ExportRequest.Progress. Publish failures
// are logged and do not stop the run.
func (n *NATSReporter) Progress(done, total int) {
	err := n.publish(n.subj("progress"), &ProgressMessage{
		Id:          n.id,
		PublishTime: time.Now(),
		Done:        done,
		Total:       total,
	})
	if err != nil {
		n.log.Error("error publishing progress", "error", err, "done", done, "total", total)
	}
}

func (n *NATSReporter) publish(subject string, value any) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return err
	}

	return n.conn.Publish(subject, data)
}

type StatsMessage struct {
	Id            string        `json:"id"`
	PublishTime   time.Time     `json:"published_at"`
	Export        string        `json:"export"`
	Blocks        int           `json:"blocks"`
	Bytes         int64         `json:"bytes"`
	Duration      time.Duration `json:"duration"`
	Entropy       float64       `json:"entropy"`
	TotalBlocks   int64         `json:"total_blocks"`
	TotalBytes    float64       `json:"total_bytes"`
	TotalRestored int64         `json:"total_restored"`
}

// PublishStats announces a completed run along with the process totals.
func (n *NATSReporter) PublishStats(rec *Record) error {
	data, err := json.Marshal(&StatsMessage{
		Id:            n.id,
		PublishTime:   time.Now(),
		Export:        rec.Export,
		Blocks:        rec.Blocks,
		Bytes:         rec.Bytes,
		Duration:      rec.Duration,
		Entropy:       rec.Entropy,
		TotalBlocks:   counterValue(blocksExported),
		TotalBytes:    counterValueFloat(bytesExported),
		TotalRestored: counterValue(blocksRestored),
	})
	if err != nil {
		return err
	}

	return n.conn.Publish(n.subj("stats"), data)
}

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FillHandler receives execution notifications from the order stream.
type FillHandler func(FillEvent)

// FillStream subscribes to a venue's private execution stream over WebSocket
// and translates execution messages into FillEvents. The quote manager
// consumes these to keep its inventory and pending-order set current.
type FillStream struct {
	conn    *websocket.Conn
	url     string
	mu      sync.Mutex
	running bool
}

// executionMessage is the wire shape of an execution push.
type executionMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		OrderID   string `json:"orderId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		LeavesQty string `json:"leavesQty"`
	} `json:"data"`
}

// NewFillStream dials the stream endpoint.
func NewFillStream(url string) (*FillStream, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to order stream: %w", err)
	}

	fs := &FillStream{
		conn:    conn,
		url:     url,
		running: true,
	}
	go fs.pingLoop()
	return fs, nil
}

// Subscribe subscribes to the execution topic for the given symbols.
func (fs *FillStream) Subscribe(topics ...string) error {
	msg := map[string]interface{}{
		"op":   "subscribe",
		"args": topics,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}
	return nil
}

// Listen reads execution messages until the context is cancelled or the
// connection drops, invoking handler for each fill.
func (fs *FillStream) Listen(ctx context.Context, handler FillHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := fs.conn.ReadMessage()
		if err != nil {
			if !fs.isRunning() {
				return nil
			}
			return fmt.Errorf("order stream read failed: %w", err)
		}

		var msg executionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("order stream: skipping unparsable message: %v", err)
			continue
		}
		if msg.Topic != "execution" {
			continue
		}

		for _, d := range msg.Data {
			qty, _ := strconv.ParseFloat(d.ExecQty, 64)
			price, _ := strconv.ParseFloat(d.ExecPrice, 64)
			leaves, _ := strconv.ParseFloat(d.LeavesQty, 64)
			if qty <= 0 {
				continue
			}
			handler(FillEvent{
				OrderID:  d.OrderID,
				Symbol:   d.Symbol,
				Side:     OrderSide(d.Side),
				Quantity: qty,
				Price:    price,
				Filled:   leaves == 0,
			})
		}
	}
}

// Close stops the stream and closes the connection.
func (fs *FillStream) Close() error {
	fs.mu.Lock()
	fs.running = false
	fs.mu.Unlock()
	return fs.conn.Close()
}

func (fs *FillStream) isRunning() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.running
}

// pingLoop keeps the connection alive.
func (fs *FillStream) pingLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if !fs.isRunning() {
			return
		}
		fs.mu.Lock()
		err := fs.conn.WriteMessage(websocket.PingMessage, nil)
		fs.mu.Unlock()
		if err != nil {
			log.Printf("order stream: failed to send ping: %v", err)
			return
		}
	}
}

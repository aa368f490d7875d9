package exchange

import (
	"context"
	"errors"
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	futuresStreamURL        = "wss://fstream.binance.com"
	futuresTestnetStreamURL = "wss://stream.binancefuture.com"
	spotStreamURL           = "wss://stream.binance.com:9443"
	spotTestnetStreamURL    = "wss://testnet.binance.vision"

	readTimeout       = 90 * time.Second
	listenKeyKeepFreq = 30 * time.Minute
)

// stream 是一条自动重连的 WebSocket 连接
type stream struct {
	name string
	// dialURL 在每次连接前调用，用户数据流借此申请新的 listenKey
	dialURL func(ctx context.Context) (string, error)
	parse   func(raw []byte, now time.Time) ([]models.Event, error)
	// keepAlive 可选，随连接存活周期运行
	keepAlive func(ctx context.Context)
	logger    *zap.Logger
}

// run 保持连接直到 ctx 结束，断线后按指数退避重连
func (s *stream) run(ctx context.Context, out chan<- models.Event) {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for ctx.Err() == nil {
		err := s.session(ctx, out, b)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, models.ErrAuthentication) {
			// 认证失败不重连，交给控制循环
			s.logger.Error("WebSocket 认证失败，停止重连", zap.String("stream", s.name), zap.Error(err))
			send(ctx, out, models.Event{Type: models.ErrorEvent, Timestamp: time.Now(), Data: err})
			return
		}
		delay := b.Duration()
		s.logger.Warn("WebSocket 连接断开，准备重连",
			zap.String("stream", s.name), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *stream) session(ctx context.Context, out chan<- models.Event, b *backoff.Backoff) error {
	url, err := s.dialURL(ctx)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", s.name, err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	b.Reset()
	s.logger.Info("WebSocket 已连接", zap.String("stream", s.name))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()
	if s.keepAlive != nil {
		go s.keepAlive(sessCtx)
	}

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		events, err := s.parse(msg, time.Now())
		if err != nil {
			s.logger.Debug("无法解析推送消息", zap.String("stream", s.name), zap.Error(err))
			continue
		}
		for _, ev := range events {
			if !send(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

func (e *BinanceExchange) streamBase(spot bool) string {
	switch {
	case spot && e.testnet:
		return spotTestnetStreamURL
	case spot:
		return spotStreamURL
	case e.testnet:
		return futuresTestnetStreamURL
	default:
		return futuresStreamURL
	}
}

func (e *BinanceExchange) marketStream(name string, spot bool, streams []string, oracle string) *stream {
	url := e.streamBase(spot) + "/stream?streams=" + strings.Join(streams, "/")
	return &stream{
		name:    name,
		dialURL: func(context.Context) (string, error) { return url, nil },
		parse: func(raw []byte, now time.Time) ([]models.Event, error) {
			return parseMarketMessage(raw, oracle, now)
		},
		logger: e.logger,
	}
}

func (e *BinanceExchange) userStream() *stream {
	var mu sync.Mutex
	var listenKey string
	return &stream{
		name: "user",
		dialURL: func(ctx context.Context) (string, error) {
			key, err := e.startUserStream(ctx)
			if err != nil {
				return "", classify(err)
			}
			mu.Lock()
			listenKey = key
			mu.Unlock()
			return e.streamBase(e.isSpot()) + "/ws/" + key, nil
		},
		parse: parseUserMessage,
		keepAlive: func(ctx context.Context) {
			ticker := time.NewTicker(listenKeyKeepFreq)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mu.Lock()
					key := listenKey
					mu.Unlock()
					if err := e.keepAliveUserStream(ctx, key); err != nil {
						e.logger.Warn("保持 listenKey 存活失败", zap.Error(err))
					}
				}
			}
		},
		logger: e.logger,
	}
}

// Subscribe 按需建立行情、预言机与用户数据连接，全部合并到一个通道。
func (e *BinanceExchange) Subscribe(ctx context.Context, sub Subscription) (<-chan models.Event, error) {
	pair := strings.ToLower(sub.Pair)
	oracle := strings.ToLower(sub.OracleSymbol)

	venueStreams := []string{pair + "@depth5@100ms"}
	if sub.Perp && !e.isSpot() {
		venueStreams = append(venueStreams, pair+"@markPrice@1s")
	}

	streams := []*stream{}
	if oracle != "" {
		oracleStream := oracle + "@bookTicker"
		if e.isSpot() {
			streams = append(streams, e.marketStream("oracle", false, []string{oracleStream}, oracle))
		} else {
			venueStreams = append(venueStreams, oracleStream)
		}
	}
	streams = append(streams, e.marketStream("market", e.isSpot(), venueStreams, oracle))
	if sub.UserData {
		streams = append(streams, e.userStream())
	}

	out := make(chan models.Event, 1024)
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *stream) {
			defer wg.Done()
			s.run(ctx, out)
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

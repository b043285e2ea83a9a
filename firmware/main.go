//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"context"
	"machine"
	"runtime"
	"time"

	"github.com/itohio/audiolink/pkg/acquire"
	"github.com/itohio/audiolink/pkg/adc"
	"github.com/itohio/audiolink/pkg/filter"
	"github.com/itohio/audiolink/pkg/sample"
	"github.com/itohio/audiolink/pkg/stage"
	"github.com/itohio/audiolink/pkg/transmit"
	"github.com/itohio/audiolink/pkg/transport"
)

var (
	mic  machine.ADC
	uart = machine.UART0

	pool     *sample.Pool
	raw      *stage.Channel[sample.Buffer]
	filtered *stage.Channel[sample.Buffer]
	source   *acquire.Source
	fir      *filter.FIR
	tx       *transmit.Transmitter

	// Counters, printed on USB
	produced  uint32
	poolDrops uint32
	overruns  uint32
)

// uartLink sends packets to a Bluetooth SPP module wired to UART0.
type uartLink struct{}

func (uartLink) IsConnected() bool { return PIN_BT_STATE.Get() }
func (uartLink) MaxPayload() int   { return CHUNK_SIZE * sample.Width }

func (uartLink) Send(p []byte) error {
	if !PIN_BT_STATE.Get() {
		return transport.ErrNotConnected
	}
	_, err := uart.Write(p)
	return err
}

func main() {
	// Configure microphone ADC with highest resolution
	PIN_MIC.Configure(machine.PinConfig{Mode: machine.PinInput})
	mic = machine.ADC{Pin: PIN_MIC}
	mic.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	PIN_BT_STATE.Configure(machine.PinConfig{Mode: machine.PinInput})
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	// machine.ADC.Get scales every resolution to 16 bits
	reader := adc.ReaderFunc(func() (uint16, error) {
		return mic.Get() >> (16 - ADC_RESOLUTION), nil
	})

	var err error
	if pool, err = sample.NewPool(2*CHANNEL_CAPACITY+3, BUFFER_SIZE); err != nil {
		halt(err)
	}
	if raw, err = stage.New[sample.Buffer](CHANNEL_CAPACITY, stage.DropNewest); err != nil {
		halt(err)
	}
	if filtered, err = stage.New[sample.Buffer](CHANNEL_CAPACITY, stage.DropNewest); err != nil {
		halt(err)
	}
	source, err = acquire.New(reader, acquire.Config{
		BufferSize:  BUFFER_SIZE,
		MaxRaw:      1<<ADC_RESOLUTION - 1,
		InitialBias: 1 << (ADC_RESOLUTION - 1),
	})
	if err != nil {
		halt(err)
	}
	if fir, err = filter.New(filter.LowPass21); err != nil {
		halt(err)
	}
	tx, err = transmit.New(uartLink{}, transmit.Config{
		ChunkSize:      CHUNK_SIZE,
		PacingInterval: PACING_INTERVAL_MS * time.Millisecond,
		MaxRetries:     MAX_RETRIES,
	})
	if err != nil {
		halt(err)
	}

	ctx := context.Background()
	go filterLoop(ctx)
	go transmitLoop(ctx)

	sampleLoop()
}

// sampleLoop runs on the main goroutine at SAMPLE_RATE. Late ticks are
// counted and skipped.
func sampleLoop() {
	const period = time.Second / SAMPLE_RATE

	var (
		cur    sample.Buffer
		n      int
		pooled bool
	)
	scratch := make(sample.Buffer, BUFFER_SIZE)

	next := time.Now()
	for {
		next = next.Add(period)
		if d := time.Until(next); d > 0 {
			time.Sleep(d)
		} else if missed := -d / period; missed > 0 {
			overruns += uint32(missed)
			next = next.Add(missed * period)
		}

		if n == 0 {
			if cur, pooled = pool.Get(); !pooled {
				cur = scratch
			}
		}
		cur[n] = source.Produce()
		n++
		if n < BUFFER_SIZE {
			continue
		}
		n = 0
		produced++

		if !pooled {
			poolDrops++
			continue
		}
		if _, victim, dropped := raw.TrySend(cur); dropped {
			pool.Put(victim)
		}

		if produced%STATS_EVERY == 0 {
			printStats()
		}
	}
}

func filterLoop(ctx context.Context) {
	for {
		buf, err := raw.Recv(ctx)
		if err != nil {
			return
		}
		for i := range buf {
			buf[i] = fir.Filter(buf[i])
			// Yield so the sampler keeps its period.
			if i%16 == 15 {
				runtime.Gosched()
			}
		}
		if _, victim, dropped := filtered.TrySend(buf); dropped {
			pool.Put(victim)
		}
	}
}

func transmitLoop(ctx context.Context) {
	for {
		buf, err := filtered.Recv(ctx)
		if err != nil {
			return
		}
		r := tx.DrainAndSend(ctx, buf)
		pool.Put(buf)

		if r.Outcome == transmit.Sent {
			PIN_LED.High()
		} else {
			PIN_LED.Low()
		}
	}
}

func printStats() {
	s := tx.Stats()
	print("buffers=", produced)
	print(" sent=", s.Buffers)
	print(" drops=", raw.Drops()+filtered.Drops()+uint64(poolDrops))
	print(" faults=", source.Faults())
	print(" overruns=", overruns)
	print(" link_down=", s.LinkUnavailable)
	print(" send_failures=", s.SendFailures)
	print("\n")
}

func halt(err error) {
	for {
		println("fatal:", err.Error())
		time.Sleep(time.Second)
	}
}

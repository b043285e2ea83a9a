//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_RATE      = 8000 // Hz
	BUFFER_SIZE      = 256  // Samples per buffer, 32 ms at 8 kHz
	CHANNEL_CAPACITY = 4    // Buffers queued between stages

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Microphone on A0, Bluetooth module STATE output on D7 (high while paired)
	PIN_MIC      = machine.A0
	PIN_BT_STATE = machine.D7
	PIN_LED      = machine.LED

	// Link configuration
	// 20 samples = 40 bytes per packet, one packet every 2 ms = 20,000 bytes/sec.
	// UART 8N1: 10 bits/byte = 200,000 baud minimum for the paced rate; the
	// average stream is 16,000 bytes/sec, so 230400 keeps up with bursts.
	CHUNK_SIZE         = 20
	PACING_INTERVAL_MS = 2
	MAX_RETRIES        = 3
	UART_BAUD_RATE     = 230400

	// Print stats on USB every this many buffers
	STATS_EVERY = 250
)

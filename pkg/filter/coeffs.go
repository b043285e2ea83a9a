package filter

// LowPass21 is a 21-tap low-pass (2 kHz cutoff at 22.05 kHz).
var LowPass21 = []float64{
	-0.001822, -0.005123, -0.008299, -0.007504, 0.002867,
	0.022202, 0.044743, 0.059408, 0.054436, 0.022835,
	-0.028877, -0.080159, -0.107253, -0.092532, -0.035822,
	0.046137, 0.120267, 0.152256, 0.120267, 0.046137,
	-0.035822,
}

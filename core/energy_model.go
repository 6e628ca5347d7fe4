package core

import "math"

// RadioParams holds the first-order radio energy constants of a sensor node.
type RadioParams struct {
	// Elec is the per-bit electronics energy for both TX and RX (J/bit).
	Elec float64 `json:"er" yaml:"er"`
	// FreeSpace is the free-space amplifier coefficient (J/bit/m²).
	FreeSpace float64 `json:"efs" yaml:"efs"`
	// Multipath is the multipath amplifier coefficient (J/bit/m⁴).
	Multipath float64 `json:"emp" yaml:"emp"`
	// PacketSize is the payload size in bits.
	PacketSize float64 `json:"package_size" yaml:"package_size"`
}

// D0 is the crossover distance between the free-space and multipath models.
func (r RadioParams) D0() float64 {
	if r.Multipath <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(r.FreeSpace / r.Multipath)
}

// TransmitEnergy returns the energy needed to send one packet over d metres.
func TransmitEnergy(r RadioParams, d float64) float64 {
	e := r.Elec * r.PacketSize
	if d < r.D0() {
		return e + r.FreeSpace*r.PacketSize*d*d
	}
	return e + r.Multipath*r.PacketSize*d*d*d*d
}

// ReceiveEnergy returns the energy needed to receive one packet.
func ReceiveEnergy(r RadioParams) float64 {
	return r.Elec * r.PacketSize
}

// ChargingPower is the power (J/s) a charger delivers at distance d under the
// inverse-square model alpha/(d+beta)².
func ChargingPower(alpha, beta, d float64) float64 {
	den := d + beta
	if den <= 0 {
		return 0
	}
	return alpha / (den * den)
}

// ChargingRadius is the distance at which ChargingPower equals the depletion
// rate e, i.e. sqrt(alpha/e) - beta, clamped at zero. A non-positive rate has
// no finite radius and yields zero.
func ChargingRadius(alpha, beta, e float64) float64 {
	if e <= 0 || alpha <= 0 {
		return 0
	}
	r := math.Sqrt(alpha/e) - beta
	if r < 0 {
		return 0
	}
	return r
}

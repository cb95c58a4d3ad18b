package daq

import (
	"encoding/json"
	"errors"
	"net/http"
)

type channelVoltage struct {
	Channel int `json:"channel"`

	Voltage float64 `json:"voltage"`
}

// HTTPStatus maps a device error to a response code; unavailable devices are
// 503, everything else 500
func HTTPStatus(err error) int {
	if errors.Is(err, ErrDeviceUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Output returns an HTTP handlerfunc that will write a voltage to a channel
func Output(d DAC) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input channelVoltage
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = d.Output(input.Channel, input.Voltage)
		if err != nil {
			http.Error(w, err.Error(), HTTPStatus(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Reset returns an HTTP handlerfunc that resets the device
func Reset(d Resetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := d.Reset()
		if err != nil {
			http.Error(w, err.Error(), HTTPStatus(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

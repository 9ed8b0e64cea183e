// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus

// Package instrument exports prometheus metrics for the security manager
// and the flow controllers.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakeMessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtps_security_handshake_messages_sent_total",
			Help: "Number of handshake messages sent",
		},
	)
	handshakeMessagesResent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtps_security_handshake_messages_resent_total",
			Help: "Number of handshake messages resent",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_security_messages_dropped_total",
			Help: "Number of dropped security messages",
		},
		[]string{"class"},
	)
	authentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_security_authentications_total",
			Help: "Number of participant authentication outcomes",
		},
		[]string{"status"},
	)
	tokensStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_security_pending_tokens_stored_total",
			Help: "Number of crypto token messages stored until their match",
		},
		[]string{"class"},
	)
	tokensApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_security_pending_tokens_applied_total",
			Help: "Number of stored crypto token messages applied",
		},
		[]string{"class"},
	)
	samplesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_flow_samples_delivered_total",
			Help: "Number of samples delivered by a flow controller",
		},
		[]string{"controller"},
	)
	bytesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_flow_bytes_delivered_total",
			Help: "Number of payload bytes delivered by a flow controller",
		},
		[]string{"controller"},
	)
	samplesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtps_flow_samples_dropped_total",
			Help: "Number of expired samples dropped by a flow controller",
		},
		[]string{"controller"},
	)
	queuedSamples = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtps_flow_queued_samples",
			Help: "Number of samples waiting in a flow controller",
		},
		[]string{"controller"},
	)
)

func init() {
	prometheus.MustRegister(handshakeMessagesSent)
	prometheus.MustRegister(handshakeMessagesResent)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(authentications)
	prometheus.MustRegister(tokensStored)
	prometheus.MustRegister(tokensApplied)
	prometheus.MustRegister(samplesDelivered)
	prometheus.MustRegister(bytesDelivered)
	prometheus.MustRegister(samplesDropped)
	prometheus.MustRegister(queuedSamples)
}

// Start exposes the registered metrics on address.
func Start(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux}
	go srv.ListenAndServe()
	return srv
}

// HandshakeMessageSent increments the counter for sent handshake messages.
func HandshakeMessageSent() {
	handshakeMessagesSent.Inc()
}

// HandshakeMessageResent increments the counter for resent handshake
// messages.
func HandshakeMessageResent() {
	handshakeMessagesResent.Inc()
}

// MessageDropped increments the counter of dropped messages of class.
func MessageDropped(class string) {
	messagesDropped.With(prometheus.Labels{"class": class}).Inc()
}

// Authentication counts one authentication outcome.
func Authentication(status string) {
	authentications.With(prometheus.Labels{"status": status}).Inc()
}

// TokensStored counts a token message kept for a later match.
func TokensStored(class string) {
	tokensStored.With(prometheus.Labels{"class": class}).Inc()
}

// TokensApplied counts a stored token message applied to its match.
func TokensApplied(class string) {
	tokensApplied.With(prometheus.Labels{"class": class}).Inc()
}

// SampleDelivered counts one sample of size bytes delivered by controller.
func SampleDelivered(controller string, size int) {
	samplesDelivered.With(prometheus.Labels{"controller": controller}).Inc()
	bytesDelivered.With(prometheus.Labels{"controller": controller}).Add(float64(size))
}

// SampleDropped counts one expired sample dropped by controller.
func SampleDropped(controller string) {
	samplesDropped.With(prometheus.Labels{"controller": controller}).Inc()
}

// QueuedSamples observes the number of samples waiting in controller.
func QueuedSamples(controller string, n int) {
	queuedSamples.With(prometheus.Labels{"controller": controller}).Set(float64(n))
}

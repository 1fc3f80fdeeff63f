// Package streaming owns the long-lived Kafka producer and consumer workers
// of a test: request/reply produce, filtered indexed consume, batched
// commits.
package streaming

import (
	"crypto/tls"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

var jaasKV = regexp.MustCompile(`(\w+)="((?:[^"\\]|\\.)*)"`)

// parseJAAS extracts the login module, username, and password from a JAAS
// config string as issued by the vault. Inputs and outputs of this function
// are credential material and must never reach a log or an error message.
func parseJAAS(jaas string) (module, username, password string, err error) {
	fields := strings.Fields(jaas)
	if len(fields) == 0 {
		return "", "", "", fmt.Errorf("empty jaas config")
	}
	module = fields[0]
	for _, m := range jaasKV.FindAllStringSubmatch(jaas, -1) {
		switch m[1] {
		case "username":
			username = strings.ReplaceAll(m[2], `\"`, `"`)
		case "password":
			password = strings.ReplaceAll(m[2], `\"`, `"`)
		}
	}
	if username == "" || password == "" {
		return "", "", "", fmt.Errorf("jaas config missing username or password")
	}
	return module, username, password, nil
}

// transportFor builds the kafka-go transport for one topic's security
// directive.
func transportFor(sd model.KafkaSecurityDirective) (*kafka.Transport, error) {
	mech, tlsCfg, err := securityFor(sd)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		SASL:        mech,
		TLS:         tlsCfg,
		DialTimeout: 10 * time.Second,
	}, nil
}

// dialerFor builds the kafka-go dialer for one topic's security directive.
func dialerFor(sd model.KafkaSecurityDirective) (*kafka.Dialer, error) {
	mech, tlsCfg, err := securityFor(sd)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mech,
		TLS:           tlsCfg,
	}, nil
}

func securityFor(sd model.KafkaSecurityDirective) (sasl.Mechanism, *tls.Config, error) {
	var tlsCfg *tls.Config
	switch sd.SecurityProtocol {
	case model.ProtocolSASLSSL, model.ProtocolSSL:
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	switch sd.SecurityProtocol {
	case model.ProtocolPlaintext, model.ProtocolSSL:
		return nil, tlsCfg, nil
	}

	module, username, password, err := parseJAAS(sd.JAASConfig.Reveal())
	if err != nil {
		return nil, nil, fmt.Errorf("topic %s: invalid jaas config", sd.Topic)
	}
	switch {
	case strings.Contains(module, "PlainLoginModule"):
		return plain.Mechanism{Username: username, Password: password}, tlsCfg, nil
	case strings.Contains(module, "ScramLoginModule"):
		mech, err := scram.Mechanism(scram.SHA512, username, password)
		if err != nil {
			return nil, nil, fmt.Errorf("topic %s: build scram mechanism", sd.Topic)
		}
		return mech, tlsCfg, nil
	}
	return nil, nil, fmt.Errorf("topic %s: unsupported login module", sd.Topic)
}

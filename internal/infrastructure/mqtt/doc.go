// Package mqtt connects CandyConnect Core to an MQTT broker.
//
// The broker is how the panel learns about core state without polling:
// the manager publishes each protocol's reconciled status (retained) and
// its lifecycle events, and the panel may request lifecycle actions on the
// command topics. See topics.go for the hierarchy.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeCoreCommands(func(protocol, action string) error {
//	    return mgr.Do(ctx, protocol, action)
//	})
//
// Connection loss is not fatal: paho reconnects with backoff and the
// subscriptions are restored.
package mqtt

// Package mqtt provides MQTT connectivity for a till terminal.
//
// This package manages:
//   - Connection to the store's broker with auto-reconnect
//   - Publishing of maintenance and sequencing events
//   - Command subscriptions from the back office
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Every topic is scoped to the terminal ID:
//
//	till/{terminal}/status             retained online/offline (LWT)
//	till/{terminal}/event/{kind}       backup, restore, integrity, order_number_degraded
//	till/{terminal}/command/{name}     backup, integrity
//
// MQTT is optional. The till keeps trading when the broker is down;
// publishing simply fails with ErrNotConnected.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Terminal.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.PublishEvent(mqtt.EventBackup, map[string]any{"path": path})
package mqtt

/*
Package config loads the steward agent configuration from a YAML file.

Fields left out of the file take their defaults; durations are written as
Go duration strings ("30s", "2m"). Unknown keys are rejected so a typo does
not silently fall back to a default.

	clusterId: 3f6a1c2e-cluster
	dataDir: /var/lib/steward
	pollInterval: 30s
	poll:
	  endpoint: https://provider.example.com/upgrade/poll
	  certificates:
	    - certFile: /etc/steward/client.crt
	      keyFile: /etc/steward/client.key
	gateway:
	  endpoint: https://localhost:19080
	store:
	  mode: raft
	  raft:
	    nodeId: n1
	    bindAddr: 10.0.0.4:7946
	    bootstrap: true
*/
package config

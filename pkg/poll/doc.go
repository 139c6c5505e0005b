/*
Package poll is the channel between steward and the resource provider.

Each cycle the coordinator sends the statuses of the previous cycle in an
UpgradeServicePollRequest and receives the next desired state in an
UpgradeServicePollResponse. HTTPChannel posts the request as JSON over
HTTPS with a client certificate.

Several certificates may be configured to allow rotation. The one the
provider accepted last is presented first; a 401 moves on to the next in
order, wrapping around. Every poll carries a fresh X-Correlation-Id and the
cluster id in X-Client-Request-Id.

Failures are classified like Cluster Control API errors: timeouts, 408, 429
and 5xx are transient, everything else is fatal.
*/
package poll

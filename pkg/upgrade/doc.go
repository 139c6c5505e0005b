/*
Package upgrade turns a cluster description into a cluster upgrade.

Generator decides whether an upgrade is needed and stages it:

 1. The requested code version and the Version attribute of the requested
    cluster manifest are compared with the targets of the current fabric
    upgrade. Equal targets skip the upgrade unless the last one Failed.
 2. A delta health policy is resolved into absolute thresholds by adding
    each delta to the unhealthy percentage observed now, capped at 100.
    Without cluster health the upgrade waits; after
    NullHealthDeferralLimit consecutive cycles it proceeds anyway.
 3. The manifest is written and the code package downloaded into a fresh
    temp directory. CommandParameter.Cleanup removes it.

Upgrader starts a staged upgrade: versions the cluster already provisioned
are skipped, the rest is copied to the image store named in the running
cluster manifest and provisioned, then a monitored rolling upgrade with
failure action Rollback is started.

	param, err := generator.Generate(ctx, desc, progress, health)
	if err != nil || param == nil {
		return err
	}
	defer param.Cleanup()
	return upgrader.Start(ctx, param)
*/
package upgrade

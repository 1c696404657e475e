package shell

import (
	"fmt"

	"github.com/guseggert/remotify/rpc"
)

// Register exposes svc on srv under the method names of this package.
func Register(srv *rpc.Server, svc Service) error {
	methods := map[string]any{
		MethodList: svc.List,
		MethodExec: svc.Exec,
		MethodEcho: svc.Echo,
	}
	for name, fn := range methods {
		if err := srv.Register(name, fn); err != nil {
			return fmt.Errorf("registering shell method: %w", err)
		}
	}
	return nil
}

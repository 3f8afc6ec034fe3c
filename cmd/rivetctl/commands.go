package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/rivet-dev/rivet-sub006/internal/manager"
)

var okColor = color.New(color.FgGreen)

var createCommand = cli.Command{
	Name:      "create",
	Usage:     "create a new actor for the given name and key",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "key", Usage: "actor key segment (repeatable, ordered)"},
		cli.StringFlag{Name: "input", Usage: "initial state payload seeded into the persist blob"},
		cli.BoolFlag{Name: "allow-existing", Usage: "return the existing actor instead of failing if one is already alive"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("create requires exactly one <name> argument", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, created, err := rt.manager.CreateActor(context.Background(), manager.CreateRequest{
			Name:          c.Args().First(),
			Key:           c.StringSlice("key"),
			Input:         []byte(c.String("input")),
			AllowExisting: c.Bool("allow-existing"),
		})
		if err != nil {
			return err
		}
		okColor.Printf("actorId=%s created=%v\n", a.Info().ActorID, created)
		return nil
	},
}

var destroyCommand = cli.Command{
	Name:      "destroy",
	Usage:     "destroy an actor by id",
	ArgsUsage: "<actorId>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("destroy requires exactly one <actorId> argument", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.manager.DestroyActor(context.Background(), c.Args().First()); err != nil {
			return err
		}
		okColor.Printf("destroyed %s\n", c.Args().First())
		return nil
	},
}

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "print an actor's metadata, resolved by name and key",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "key", Usage: "actor key segment (repeatable, ordered)"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("get requires exactly one <name> argument", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, err := rt.manager.GetWithKey(context.Background(), c.Args().First(), c.StringSlice("key"))
		if err != nil {
			return err
		}
		info := a.Info()
		fmt.Printf("actorId=%s name=%s key=%v generation=%d\n", info.ActorID, info.Name, info.Key, info.Generation)
		return nil
	},
}

var listCommand = cli.Command{
	Name:      "list",
	Usage:     "list live actors registered under a name",
	ArgsUsage: "<name>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("list requires exactly one <name> argument", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		infos, err := rt.manager.ListActorsByName(context.Background(), c.Args().First())
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Printf("%s\tkey=%v\tgeneration=%d\n", info.ActorID, info.Key, info.Generation)
		}
		return nil
	},
}

var actionCommand = cli.Command{
	Name:      "action",
	Usage:     "invoke a named action against an actor",
	ArgsUsage: "<actorId> <actionName> [jsonPayload]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("action requires <actorId> <actionName> [payload]", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, err := rt.manager.GetForID(context.Background(), c.Args().Get(0))
		if err != nil {
			return err
		}
		var payload []byte
		if c.NArg() > 2 {
			payload = []byte(c.Args().Get(2))
		}
		out, err := a.Action(context.Background(), c.Args().Get(1), payload)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "publish a message onto a named queue",
	ArgsUsage: "<actorId> <queueName> <jsonBody>",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "wait", Usage: "block for the consumer's complete() before returning"},
		cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "max time to wait when --wait is set"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("send requires <actorId> <queueName> <jsonBody>", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, err := rt.manager.GetForID(context.Background(), c.Args().Get(0))
		if err != nil {
			return err
		}
		id, ch, rkErr := a.Queues().Publish(context.Background(), c.Args().Get(1), []byte(c.Args().Get(2)), "", c.Bool("wait"))
		if rkErr != nil {
			return rkErr
		}
		fmt.Printf("enqueued id=%d\n", id)
		if !c.Bool("wait") {
			return nil
		}
		select {
		case res := <-ch:
			if res.Completed && len(res.Response) > 0 {
				fmt.Printf("resolved completed=true response=%s\n", res.Response)
			} else {
				fmt.Printf("resolved completed=%v timedOut=%v\n", res.Completed, res.TimedOut)
			}
		case <-time.After(c.Duration("timeout")):
			a.Queues().ResolveTimeout(id)
			fmt.Println("timed out waiting locally (message remains pending on the queue)")
		}
		return nil
	},
}

var completeCommand = cli.Command{
	Name:      "complete",
	Usage:     "complete a received queue message, resolving any wait:true sender",
	ArgsUsage: "<actorId> <messageId> [jsonResponse]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.NewExitError("complete requires <actorId> <messageId> [response]", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, err := rt.manager.GetForID(context.Background(), c.Args().Get(0))
		if err != nil {
			return err
		}
		msgID, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid messageId %q: %v", c.Args().Get(1), err), 1)
		}
		var response []byte
		if c.NArg() > 2 {
			response = []byte(c.Args().Get(2))
		}
		if rkErr := a.Queues().Ack(context.Background(), msgID, response); rkErr != nil {
			return rkErr
		}
		okColor.Println("completed")
		return nil
	},
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "broadcast an event from an actor to its subscribers",
	ArgsUsage: "<actorId> <eventName> <jsonPayload>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 3 {
			return cli.NewExitError("broadcast requires <actorId> <eventName> <jsonPayload>", 1)
		}
		rt, err := openRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()

		a, err := rt.manager.GetForID(context.Background(), c.Args().Get(0))
		if err != nil {
			return err
		}
		a.Broadcast(context.Background(), c.Args().Get(1), []byte(c.Args().Get(2)))
		okColor.Println("broadcast sent")
		return nil
	},
}

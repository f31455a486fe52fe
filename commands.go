package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/any-hub/offline-hub/internal/offline"
)

// runFetch 同步执行一次离线下载并输出最终状态。
func runFetch(ctx context.Context, rt *appRuntime, opts cliOptions) int {
	transfer, err := rt.orchestrator.Add(ctx, offline.AddRequest{
		Name:      opts.name,
		AssetPath: opts.assetPath,
		PagePath:  opts.pagePath,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "离线下载失败: %v\n", err)
		return 1
	}
	if transfer == nil {
		fmt.Fprintln(stdErr, "缓存不可用")
		return 1
	}
	if err := transfer.Wait(ctx); err != nil {
		if errors.Is(err, offline.ErrCancelled) {
			fmt.Fprintf(stdErr, "离线下载已取消: %s\n", transfer.Name)
		} else {
			fmt.Fprintf(stdErr, "离线下载失败: %v\n", err)
		}
		return 1
	}
	return printJSON(rt.orchestrator.Status(ctx, transfer.Name))
}

func runRemove(ctx context.Context, rt *appRuntime, opts cliOptions) int {
	if err := rt.orchestrator.Remove(ctx, opts.name); err != nil {
		fmt.Fprintf(stdErr, "删除离线包失败: %v\n", err)
		return 1
	}
	return 0
}

// runStatus 输出状态快照；未缓存时退出码为 3，便于脚本判断。
func runStatus(ctx context.Context, rt *appRuntime, opts cliOptions) int {
	snap := rt.orchestrator.Status(ctx, opts.name)
	if code := printJSON(snap); code != 0 {
		return code
	}
	if !snap.Cached {
		return 3
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stdErr, "输出失败: %v\n", err)
		return 1
	}
	return 0
}

package python

// harnessSource is the worker program. It reads one JSON request on stdin,
// applies resource limits before touching user code, executes the code under
// captured stdio, and writes one JSON envelope on the real stdout. The
// envelope is the only thing ever written to fd 1; user prints go through the
// capture buffers.
const harnessSource = `
import sys, os, io, json, base64, traceback

_real_stdout = sys.stdout

def _apply_limits(mem_mb, cpu_s):
    try:
        import resource
        if mem_mb > 0:
            limit = mem_mb * 1024 * 1024
            resource.setrlimit(resource.RLIMIT_AS, (limit, limit))
        if cpu_s > 0:
            resource.setrlimit(resource.RLIMIT_CPU, (cpu_s, cpu_s))
    except Exception:
        pass

_BLOCKED_MODULES = {
    "subprocess", "socket", "ctypes", "multiprocessing",
    "pty", "fcntl", "signal", "webbrowser",
}

_real_import = __builtins__.__import__ if hasattr(__builtins__, "__import__") else __import__

def _guarded_import(name, *args, **kwargs):
    root = name.split(".")[0]
    if root in _BLOCKED_MODULES:
        raise ImportError("module %r is not permitted in the sandbox" % root)
    return _real_import(name, *args, **kwargs)

def _build_globals():
    import builtins
    safe = dict(vars(builtins))
    for banned in ("exec", "eval", "input", "breakpoint", "exit", "quit"):
        safe.pop(banned, None)
    safe["__import__"] = _guarded_import
    return {"__builtins__": safe, "__name__": "__main__"}

def _to_frame(tbl):
    try:
        import pandas as pd
        return pd.DataFrame(tbl["rows"], columns=tbl["columns"])
    except ImportError:
        return {"columns": tbl["columns"], "rows": tbl["rows"]}

def _from_frame(obj):
    import pandas as pd
    df = obj.where(pd.notnull(obj), None)
    return {"columns": [str(c) for c in df.columns],
            "rows": [list(r) for r in df.itertuples(index=False, name=None)]}

def _is_frame(obj):
    try:
        import pandas as pd
        return isinstance(obj, pd.DataFrame)
    except ImportError:
        return False

def _encode_value(obj):
    if obj is None or isinstance(obj, (bool, int, float, str)):
        return {"type": "scalar", "value": obj}
    if _is_frame(obj):
        tbl = _from_frame(obj)
        return {"type": "tabular", "columns": tbl["columns"], "rows": tbl["rows"]}
    try:
        json.dumps(obj)
        return {"type": "scalar", "value": obj}
    except (TypeError, ValueError):
        return {"type": "opaque", "repr": repr(obj)}

def _collect_figures(scope):
    figures, seen = [], set()
    try:
        import matplotlib
        matplotlib.use("Agg")
        import matplotlib.pyplot as plt
        for num in plt.get_fignums():
            fig = plt.figure(num)
            if id(fig) in seen:
                continue
            seen.add(id(fig))
            png, svg = io.BytesIO(), io.BytesIO()
            fig.savefig(png, format="png", bbox_inches="tight")
            fig.savefig(svg, format="svg", bbox_inches="tight")
            title = ""
            if fig.axes and fig.axes[0].get_title():
                title = fig.axes[0].get_title()
            figures.append({
                "library": "matplotlib",
                "title": title,
                "png_b64": base64.b64encode(png.getvalue()).decode("ascii"),
                "svg_b64": base64.b64encode(svg.getvalue()).decode("ascii"),
            })
        plt.close("all")
    except ImportError:
        pass
    try:
        import plotly.graph_objects as go
        for obj in list(scope.values()):
            if isinstance(obj, go.Figure) and id(obj) not in seen:
                seen.add(id(obj))
                title = ""
                if obj.layout.title and obj.layout.title.text:
                    title = obj.layout.title.text
                figures.append({
                    "library": "plotly",
                    "title": title,
                    "json": obj.to_json(),
                })
    except ImportError:
        pass
    return figures

def main():
    req = json.load(sys.stdin)
    _apply_limits(req.get("memory_limit_mb", 0), req.get("cpu_seconds", 0))
    scratch = req.get("scratch_dir")
    if scratch:
        os.chdir(scratch)

    scope = _build_globals()
    frames = {}
    for name, tbl in (req.get("datasets") or {}).items():
        frames[name] = _to_frame(tbl)
    scope["datasets"] = frames
    active = req.get("active_dataset")
    if active and active in frames:
        scope["df"] = frames[active]

    out, err = io.StringIO(), io.StringIO()
    envelope = {"success": True}
    sys.stdout, sys.stderr = out, err
    try:
        code = compile(req["code"], "<analysis>", "exec")
        exec(code, scope)
    except BaseException as exc:
        envelope["success"] = False
        envelope["error"] = "%s: %s" % (type(exc).__name__, exc)
        envelope["traceback"] = traceback.format_exc()
    finally:
        sys.stdout, sys.stderr = _real_stdout, sys.__stderr__

    envelope["stdout"] = out.getvalue()
    envelope["stderr"] = err.getvalue()

    if envelope["success"]:
        value = scope.get("result")
        output_df = scope.get("output_df")
        if _is_frame(output_df):
            value = output_df
        envelope["value"] = _encode_value(value)
        envelope["figures"] = _collect_figures(scope)
        if req.get("persist"):
            current = scope.get("datasets") if isinstance(scope.get("datasets"), dict) else frames
            updated = {}
            for name in (req.get("datasets") or {}):
                obj = current.get(name, frames.get(name))
                if active and name == active and _is_frame(scope.get("df")):
                    obj = scope["df"]
                if _is_frame(obj):
                    updated[name] = _from_frame(obj)
            envelope["datasets"] = updated

    _real_stdout.write(json.dumps(envelope))
    _real_stdout.flush()

main()
`

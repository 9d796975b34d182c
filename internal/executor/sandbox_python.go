package executor

// pythonPrelude is prepended to every student submission. It installs
// resource limits and neuters the interpreter's escape hatches before the
// first student line runs. Kept dependency-free: stdlib modules only, and
// each guard tolerates platforms where a limit is unavailable.
const pythonPrelude = `import resource, builtins, os, sys
try:
    resource.setrlimit(resource.RLIMIT_CPU, (2, 2))
    resource.setrlimit(resource.RLIMIT_DATA, (50 * 1024 * 1024, 50 * 1024 * 1024))
    resource.setrlimit(resource.RLIMIT_FSIZE, (1024 * 1024, 1024 * 1024))
except (ValueError, OSError):
    pass

_denied_modules = {
    'subprocess', 'socket', 'requests', 'http', 'urllib',
    'ftplib', 'telnetlib', 'smtplib', '_pickle', 'pickle',
}
_real_import = builtins.__import__

def _guarded_import(name, *args, **kwargs):
    root = name.split('.')[0]
    if root in _denied_modules:
        raise ImportError('module %r is not allowed' % name)
    return _real_import(name, *args, **kwargs)

builtins.__import__ = _guarded_import

def _blocked(*args, **kwargs):
    raise OSError('operation not allowed')

for _name in dir(os):
    if _name == 'system' or _name == 'popen' or _name == 'fork' or _name == 'unlink' \
            or _name.startswith('spawn') or _name.startswith('exec'):
        try:
            setattr(os, _name, _blocked)
        except (AttributeError, TypeError):
            pass

_real_open = builtins.open

def _guarded_open(file, mode='r', *args, **kwargs):
    if any(c in mode for c in ('w', 'a', 'x', '+')):
        raise PermissionError('write access is not allowed')
    return _real_open(file, mode, *args, **kwargs)

builtins.open = _guarded_open
del _real_import, _guarded_import, _blocked, _name, _real_open, _guarded_open

`
